package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/lumehealth/lume-sync/internal/model"
)

// RecordRepository persists local records through the shared sync envelope.
// Record writes that need an outbox event run in one storage transaction with
// the event append, so a crash never leaves a pending record without an event
// or an event without its record.
type RecordRepository interface {
	// CreateWithEvent inserts a pending record and its outbox event atomically.
	CreateWithEvent(ctx context.Context, rec *model.Record, ev *model.OutboxEvent) error

	// UpdateWithEvent rewrites the record payload (status back to pending) and
	// appends an outbox event in the same transaction. If a non-terminal event
	// for the record already exists, the append is coalesced into it and
	// appended=false is returned.
	UpdateWithEvent(ctx context.Context, rec *model.Record, ev *model.OutboxEvent) (appended bool, err error)

	// Get returns a record by local id, or errs.ErrNotFound.
	Get(ctx context.Context, localID uuid.UUID) (*model.Record, error)

	// ListByStatus returns up to limit records of the user in the given sync state.
	ListByStatus(ctx context.Context, userID uuid.UUID, status model.SyncStatus, limit int) ([]model.Record, error)

	// MarkSyncing moves a pending record to syncing; a no-op for records that
	// have already advanced further.
	MarkSyncing(ctx context.Context, localID uuid.UUID) error

	// ReleaseSyncing undoes MarkSyncing after a retryable upload failure:
	// syncing -> pending, everything else untouched.
	ReleaseSyncing(ctx context.Context, localID uuid.UUID) error

	// ApplyCompletion applies an upload/push outcome to the record: status
	// moves forward only (pending/syncing -> synced or failed), remoteID is set
	// on success, and a completion older than the record's updated_at is
	// dropped. Returns false when the guard rejected the update.
	ApplyCompletion(ctx context.Context, localID uuid.UUID, remoteID string, status model.SyncStatus, completedAt time.Time) (bool, error)

	// ResetPending is the manual-retry transition failed -> pending.
	ResetPending(ctx context.Context, localID uuid.UUID) error

	// DeleteWithEvents removes the record after absorbing its pending outbox
	// events. Returns errs.ErrConflict while an event is mid-processing.
	DeleteWithEvents(ctx context.Context, localID uuid.UUID) error
}
