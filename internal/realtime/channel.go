// Package realtime maintains the push channel that shortcuts the outbox
// processor for long-running server-side jobs.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
)

// State is the connection lifecycle of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// TokenSource supplies the token presented at connect time.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}

// Message types on the wire. The envelope matches the server's event stream.
const (
	msgHeartbeat    = "heartbeat"
	msgHeartbeatAck = "heartbeat_ack"
	msgCompletion   = "completion"
	msgConnected    = "connected"
)

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Config tunes the channel.
type Config struct {
	URL             string        // ws(s) endpoint
	APIKey          string
	HeartbeatEvery  time.Duration // default 30s
	ExpectedLatency time.Duration // typical server job latency, for the poll fallback
	NoticeBuffer    int
}

func (c *Config) fill() {
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.ExpectedLatency <= 0 {
		c.ExpectedLatency = 45 * time.Second
	}
	if c.NoticeBuffer <= 0 {
		c.NoticeBuffer = 64
	}
}

// Channel is the reconnecting websocket client. Completion notices come out of
// Notices(); consumers own the merge against local state.
type Channel struct {
	cfg    Config
	tokens TokenSource
	log    *zap.Logger

	notices chan model.CompletionNotice

	mu           sync.Mutex
	state        State
	lastActivity time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChannel constructs the channel (not yet connected).
func NewChannel(cfg Config, tokens TokenSource, log *zap.Logger) *Channel {
	cfg.fill()
	return &Channel{
		cfg:     cfg,
		tokens:  tokens,
		log:     log,
		state:   StateDisconnected,
		notices: make(chan model.CompletionNotice, cfg.NoticeBuffer),
	}
}

// Notices returns the stream of completion notices. Closed on Stop.
func (c *Channel) Notices() <-chan model.CompletionNotice { return c.notices }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NeedPoll reports whether the consumer should fall back to polling: the
// channel is down, or it looks up but the server has been silent for more
// than twice the expected processing latency (pushes may be silently lost).
func (c *Channel) NeedPoll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return true
	}
	return time.Since(c.lastActivity) > 2*c.cfg.ExpectedLatency
}

// Start launches the connect/read/reconnect loop.
func (c *Channel) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.notices)
		c.run(ctx)
	}()
}

// Stop cancels the reconnect loop and closes the notice stream. An in-flight
// record write on the consumer side is never interrupted from here.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.wg.Wait()
}

// run reconnects forever with capped exponential backoff until canceled.
// A drop after a served connection restarts from a fresh backoff, so the
// first redial after hours of healthy service is immediate.
func (c *Channel) run(ctx context.Context) {
	for {
		backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			served, err := c.connectAndServe(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn("realtime channel dropped", zap.Error(err))
				if served {
					return err
				}
				return retry.RetryableError(err)
			}
			return nil
		})
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if err != nil {
			c.log.Debug("restarting reconnect backoff", zap.Error(err))
		}
	}
}

// connectAndServe dials once and serves the connection until it breaks. served
// reports whether the connection lived long enough to count as a real session
// rather than an instant rejection.
func (c *Channel) connectAndServe(ctx context.Context) (served bool, err error) {
	c.setState(StateConnecting)

	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return false, fmt.Errorf("channel token: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, map[string][]string{
		"Authorization": {"Bearer " + token},
		"X-API-Key":     {c.cfg.APIKey},
	})
	if err != nil {
		c.setState(StateDisconnected)
		return false, fmt.Errorf("dial: %v: %w", err, errs.ErrNotConnected)
	}
	defer func() { _ = conn.Close() }()

	connectedAt := time.Now()
	c.setState(StateConnected)
	c.touch()
	c.log.Info("realtime channel connected")

	// Heartbeat writer is the connection's only writer after the handshake.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	hbErr := make(chan error, 1)
	go c.heartbeatLoop(hbCtx, conn, hbErr)

	// Close the socket when the caller cancels so the blocked read returns.
	go func() {
		<-hbCtx.Done()
		_ = conn.Close()
	}()

	err = c.readLoop(conn)
	c.setState(StateDisconnected)
	served = time.Since(connectedAt) >= c.cfg.HeartbeatEvery
	select {
	case werr := <-hbErr:
		return served, fmt.Errorf("heartbeat: %w", werr)
	default:
	}
	return served, err
}

// heartbeatLoop sends the application-level heartbeat so the server keeps
// treating this client as reachable.
func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(wireMessage{Type: msgHeartbeat}); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// readLoop decodes server messages until the connection errors. Any inbound
// traffic counts as liveness; the read deadline tolerates one missed ack.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2*c.cfg.HeartbeatEvery + 10*time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable channel message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case msgHeartbeatAck, msgConnected:
			// liveness only
		case msgCompletion:
			var n model.CompletionNotice
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				c.log.Warn("undecodable completion notice", zap.Error(err))
				continue
			}
			select {
			case c.notices <- n:
			default:
				c.log.Warn("notice buffer full, dropping push",
					zap.String("entity_id", n.EntityID.String()))
			}
		default:
			c.log.Debug("ignoring channel message", zap.String("type", msg.Type))
		}
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}
