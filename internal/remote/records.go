package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lumehealth/lume-sync/internal/model"
)

// Each domain client uploads one record kind: POST for a record the server has
// never seen, PATCH against the remote id for an update. The local id travels
// as client_ref so server-side dedup can absorb an at-least-once replay.

// ProgressClient syncs body-metric progress entries.
type ProgressClient struct{ c *Client }

// NewProgressClient constructs the progress uploader.
func NewProgressClient(c *Client) *ProgressClient { return &ProgressClient{c: c} }

// Upload pushes one progress entry and returns the server-assigned id.
func (p *ProgressClient) Upload(ctx context.Context, rec *model.Record, isNew bool) (string, error) {
	var entry model.ProgressEntry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		return "", fmt.Errorf("progress payload: %w", err)
	}
	body := struct {
		model.ProgressEntry
		ClientRef string `json:"client_ref"`
	}{entry, rec.LocalID.String()}
	return upload(ctx, p.c, "/api/v1/progress", rec, isNew, body)
}

// SleepClient syncs sleep sessions.
type SleepClient struct{ c *Client }

// NewSleepClient constructs the sleep uploader.
func NewSleepClient(c *Client) *SleepClient { return &SleepClient{c: c} }

// Upload pushes one sleep session and returns the server-assigned id.
func (s *SleepClient) Upload(ctx context.Context, rec *model.Record, isNew bool) (string, error) {
	var session model.SleepSession
	if err := json.Unmarshal(rec.Payload, &session); err != nil {
		return "", fmt.Errorf("sleep payload: %w", err)
	}
	body := struct {
		model.SleepSession
		ClientRef string `json:"client_ref"`
	}{session, rec.LocalID.String()}
	return upload(ctx, s.c, "/api/v1/sleep-sessions", rec, isNew, body)
}

// MoodClient syncs mood logs.
type MoodClient struct{ c *Client }

// NewMoodClient constructs the mood uploader.
func NewMoodClient(c *Client) *MoodClient { return &MoodClient{c: c} }

// Upload pushes one mood log and returns the server-assigned id.
func (m *MoodClient) Upload(ctx context.Context, rec *model.Record, isNew bool) (string, error) {
	var mood model.MoodLog
	if err := json.Unmarshal(rec.Payload, &mood); err != nil {
		return "", fmt.Errorf("mood payload: %w", err)
	}
	body := struct {
		model.MoodLog
		ClientRef string `json:"client_ref"`
	}{mood, rec.LocalID.String()}
	return upload(ctx, m.c, "/api/v1/mood-logs", rec, isNew, body)
}

// MealClient syncs meal logs. Server-side nutrition parsing of a meal can run
// long after the upload; its completion arrives on the realtime channel.
type MealClient struct{ c *Client }

// NewMealClient constructs the meal uploader.
func NewMealClient(c *Client) *MealClient { return &MealClient{c: c} }

// Upload pushes one meal log and returns the server-assigned id.
func (m *MealClient) Upload(ctx context.Context, rec *model.Record, isNew bool) (string, error) {
	var meal model.MealLog
	if err := json.Unmarshal(rec.Payload, &meal); err != nil {
		return "", fmt.Errorf("meal payload: %w", err)
	}
	body := struct {
		model.MealLog
		ClientRef string `json:"client_ref"`
	}{meal, rec.LocalID.String()}
	return upload(ctx, m.c, "/api/v1/meal-logs", rec, isNew, body)
}

// upload chooses create vs update from the event's view of the record and
// extracts the canonical id from the response envelope.
func upload(ctx context.Context, c *Client, path string, rec *model.Record, isNew bool, body any) (string, error) {
	method := http.MethodPost
	if !isNew && rec.RemoteID != nil && *rec.RemoteID != "" {
		method = http.MethodPatch
		path = path + "/" + *rec.RemoteID
	}

	var env envelope
	if err := c.do(ctx, method, path, body, &env); err != nil {
		return "", err
	}
	if env.Data.ID == "" {
		if rec.RemoteID != nil && *rec.RemoteID != "" {
			// PATCH responses may omit the id; it cannot have changed.
			return *rec.RemoteID, nil
		}
		return "", fmt.Errorf("%s %s: response missing id", method, path)
	}
	return env.Data.ID, nil
}
