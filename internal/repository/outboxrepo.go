// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/lumehealth/lume-sync/internal/model"
)

// OutboxRepository provides durable, claim-based access to outbox events.
type OutboxRepository interface {
	// Append inserts a new event. Returns errs.ErrDuplicateActiveEvent if a
	// non-terminal event already exists for the same (entity, event type).
	Append(ctx context.Context, ev *model.OutboxEvent) error

	// ClaimPending atomically moves up to limit eligible pending events for the
	// user to processing and returns them, ordered by (priority asc, created_at
	// asc). An event that already failed n times is eligible only once its
	// backoff interval (1s<<(n-1), relative to now) has elapsed.
	ClaimPending(ctx context.Context, userID uuid.UUID, limit int, now time.Time) ([]model.OutboxEvent, error)

	// MarkCompleted transitions an event to completed.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a retryable failure: attempt_count++, back to pending,
	// or terminally failed once attempt_count reaches the configured maximum.
	// Returns the status the event ended up in.
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) (model.EventStatus, error)

	// Release returns a claimed event to pending without burning an attempt
	// (session torn down mid-cycle, shutdown).
	Release(ctx context.Context, id uuid.UUID) error

	// MarkTerminallyFailed fails an event immediately, regardless of attempts
	// left. Used for validation/conflict rejections that retrying cannot fix.
	MarkTerminallyFailed(ctx context.Context, id uuid.UUID, cause string) error

	// ResetForRetry is the administrative failed->pending transition with
	// attempt_count reset to zero. Returns errs.ErrEventTerminal if the event
	// is completed, errs.ErrNotFound if absent.
	ResetForRetry(ctx context.Context, id uuid.UUID) error

	// ActiveEvent returns the single non-terminal event for (entity, type),
	// or errs.ErrNotFound.
	ActiveEvent(ctx context.Context, entityID uuid.UUID, typ model.EventType) (*model.OutboxEvent, error)

	// LatestForEntity returns the newest event for (entity, type) regardless
	// of status, or errs.ErrNotFound.
	LatestForEntity(ctx context.Context, entityID uuid.UUID, typ model.EventType) (*model.OutboxEvent, error)

	// Get returns an event by id.
	Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error)

	// PurgeCompleted deletes completed events whose completion is older than
	// cutoff. Returns the number of purged events.
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error)
}
