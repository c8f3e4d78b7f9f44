// Package model defines domain entities used by services, repositories and sync clients.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects the issued access/refresh pair. The refresh token is
// single-use on the server side; replacing the pair is always atomic.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// EventType tags an outbox event with the record kind it carries.
type EventType string

const (
	EventProgressEntry EventType = "progress_entry"
	EventSleepSession  EventType = "sleep_session"
	EventMoodLog       EventType = "mood_log"
	EventMealLog       EventType = "meal_log"
)

// KnownEventTypes lists every record kind the engine syncs.
var KnownEventTypes = []EventType{
	EventProgressEntry, EventSleepSession, EventMoodLog, EventMealLog,
}

// EventStatus is the lifecycle state of an outbox event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s EventStatus) Terminal() bool {
	return s == EventCompleted || s == EventFailed
}

// OutboxEvent is a durable unit of "something local needs to reach the server".
// At most one non-terminal event exists per (EntityID, Type).
type OutboxEvent struct {
	ID            uuid.UUID
	Type          EventType
	EntityID      uuid.UUID // local record the event refers to
	UserID        uuid.UUID
	IsNewRecord   bool              // create vs update on the remote side
	Metadata      map[string]string // diagnostic snapshot, not authoritative payload
	Priority      int               // lower is drained sooner
	Status        EventStatus
	AttemptCount  int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	ErrorMessage  string
}

// SyncStatus is the sync envelope state of a local record.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Rank orders statuses so merges only ever move forward.
// pending < syncing < synced/failed (both terminal for one upload round).
func (s SyncStatus) Rank() int {
	switch s {
	case SyncPending:
		return 0
	case SyncSyncing:
		return 1
	case SyncSynced, SyncFailed:
		return 2
	}
	return -1
}

// Record is the shared sync envelope around one domain payload. Domain fields
// live in Payload as JSON; the engine never interprets them.
type Record struct {
	LocalID   uuid.UUID // client-generated, stable PK
	UserID    uuid.UUID
	Kind      EventType
	RemoteID  *string // set once acknowledged by the server
	Status    SyncStatus
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Synced reports whether the record is acknowledged. True only with a remote id,
// so status alone can never claim a sync that has no server identity.
func (r *Record) Synced() bool {
	return r.Status == SyncSynced && r.RemoteID != nil && *r.RemoteID != ""
}

// ProgressEntry is a body-metric measurement (weight, body fat, ...).
type ProgressEntry struct {
	Metric     string    `json:"metric"`
	Quantity   float64   `json:"quantity"`
	Unit       string    `json:"unit"`
	RecordedAt time.Time `json:"recorded_at"`
	Note       string    `json:"note,omitempty"`
}

// SleepSession covers one night (or nap) of sleep.
type SleepSession struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Quality   int       `json:"quality"` // 1..5 self-report
	Source    string    `json:"source,omitempty"`
}

// MoodLog is a single mood self-report.
type MoodLog struct {
	Mood       string    `json:"mood"`
	Intensity  int       `json:"intensity"` // 1..10
	RecordedAt time.Time `json:"recorded_at"`
	Note       string    `json:"note,omitempty"`
}

// MealItem is one food item inside a meal log.
type MealItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Calories float64 `json:"calories,omitempty"`
}

// MealLog is a logged meal with its items.
type MealLog struct {
	MealType string     `json:"meal_type"` // breakfast, lunch, dinner, snack
	Items    []MealItem `json:"items"`
	EatenAt  time.Time  `json:"eaten_at"`
	Note     string     `json:"note,omitempty"`
}

// CompletionNotice is a push-channel message reporting that the server finished
// processing a record (e.g. a long-running meal parse).
type CompletionNotice struct {
	EntityID    uuid.UUID  `json:"entity_id"`
	Kind        EventType  `json:"kind"`
	RemoteID    string     `json:"remote_id"`
	Status      SyncStatus `json:"status"` // synced or failed
	CompletedAt time.Time  `json:"completed_at"`
	Error       string     `json:"error,omitempty"`
}
