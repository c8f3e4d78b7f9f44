package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumehealth/lume-sync/internal/model"
)

type staticTokens struct{ token string }

func (s staticTokens) GetValidAccessToken(_ context.Context) (string, error) {
	return s.token, nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestChannel(t *testing.T, srv *httptest.Server, cfg Config) *Channel {
	t.Helper()
	cfg.URL = wsURL(srv)
	cfg.APIKey = "key-1"
	ch := NewChannel(cfg, staticTokens{token: "tok-1"}, zap.NewNop())
	t.Cleanup(ch.Stop)
	return ch
}

func TestChannel_DeliversCompletionNotices(t *testing.T) {
	entityID := uuid.Must(uuid.NewV4())
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-API-Key"); got != "key-1" {
			t.Errorf("X-API-Key = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(map[string]any{"type": "connected"})
		_ = conn.WriteJSON(map[string]any{
			"type": "completion",
			"data": map[string]any{
				"entity_id":    entityID.String(),
				"kind":         "meal_log",
				"remote_id":    "srv-55",
				"status":       "synced",
				"completed_at": time.Now().UTC().Format(time.RFC3339),
			},
		})
		// Keep the connection up until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := newTestChannel(t, srv, Config{})
	ch.Start()

	select {
	case n := <-ch.Notices():
		if n.EntityID != entityID {
			t.Fatalf("entity_id = %s, want %s", n.EntityID, entityID)
		}
		if n.Kind != model.EventMealLog || n.RemoteID != "srv-55" || n.Status != model.SyncSynced {
			t.Fatalf("notice = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion notice delivered")
	}
}

func TestChannel_SendsHeartbeats(t *testing.T) {
	gotHeartbeat := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "heartbeat" {
				select {
				case gotHeartbeat <- struct{}{}:
				default:
				}
				_ = conn.WriteJSON(map[string]any{"type": "heartbeat_ack"})
			}
		}
	}))
	defer srv.Close()

	ch := newTestChannel(t, srv, Config{HeartbeatEvery: 50 * time.Millisecond})
	ch.Start()

	select {
	case <-gotHeartbeat:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw a heartbeat")
	}
}

func TestChannel_NeedPoll(t *testing.T) {
	connected := make(chan struct{})
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "connected"})
		close(connected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := newTestChannel(t, srv, Config{ExpectedLatency: time.Hour})
	if !ch.NeedPoll() {
		t.Fatal("NeedPoll = false while disconnected")
	}

	ch.Start()
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	deadline := time.After(5 * time.Second)
	for ch.NeedPoll() {
		select {
		case <-deadline:
			t.Fatal("NeedPoll still true after connect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if dials.Add(1) == 1 {
			// First connection dies immediately; the client must come back.
			conn.Close()
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "connected"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := newTestChannel(t, srv, Config{})
	ch.Start()

	deadline := time.After(10 * time.Second)
	for dials.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("dials = %d, want a reconnect", dials.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestChannel_FastRedialAfterServedConnection(t *testing.T) {
	var mu sync.Mutex
	var dialTimes []time.Time
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dialTimes = append(dialTimes, time.Now())
		n := len(dialTimes)
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// A served connection: long enough to count as healthy, then drop.
			_ = conn.WriteJSON(map[string]any{"type": "connected"})
			time.Sleep(200 * time.Millisecond)
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := newTestChannel(t, srv, Config{HeartbeatEvery: 50 * time.Millisecond})
	ch.Start()

	deadline := time.After(10 * time.Second)
	for {
		mu.Lock()
		n := len(dialTimes)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no redial after the served connection dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	gap := dialTimes[1].Sub(dialTimes[0])
	mu.Unlock()
	// 200ms of service plus an immediate redial; a grown backoff would push
	// this past a second.
	if gap > time.Second {
		t.Fatalf("redial took %v after a served connection, want an immediate retry", gap)
	}
}

func TestChannel_StopClosesNotices(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := newTestChannel(t, srv, Config{})
	ch.Start()
	ch.Stop()

	select {
	case _, ok := <-ch.Notices():
		if ok {
			t.Fatal("got a notice instead of a closed stream")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notice stream not closed after Stop")
	}
}
