package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
)

// RecordRepo implements repository.RecordRepository on sqlite. All records
// share one table; the domain payload stays opaque JSON, the way the server
// never looks inside an encrypted blob.
type RecordRepo struct {
	db *DB
}

// NewRecordRepo constructs a record repository.
func NewRecordRepo(db *DB) *RecordRepo { return &RecordRepo{db: db} }

const recordCols = `local_id, user_id, kind, remote_id, sync_status, payload, updated_at`

// CreateWithEvent inserts a pending record together with its outbox event.
func (r *RecordRepo) CreateWithEvent(ctx context.Context, rec *model.Record, ev *model.OutboxEvent) (err error) {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	rec.Status = model.SyncPending
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	const ins = `INSERT INTO records (local_id, user_id, kind, sync_status, payload, updated_at)
VALUES (?,?,?,?,?,?)`
	if _, err = tx.ExecContext(ctx, ins,
		rec.LocalID.String(), rec.UserID.String(), string(rec.Kind),
		string(rec.Status), string(rec.Payload), toMillis(rec.UpdatedAt)); err != nil {
		return err
	}
	return appendEventTx(ctx, tx, ev)
}

// UpdateWithEvent rewrites the payload (record back to pending) and appends an
// outbox event unless a non-terminal one already covers this record, in which
// case the change coalesces into the existing event.
func (r *RecordRepo) UpdateWithEvent(ctx context.Context, rec *model.Record, ev *model.OutboxEvent) (appended bool, err error) {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	const upd = `UPDATE records SET sync_status='pending', payload=?, updated_at=? WHERE local_id=?`
	res, err := tx.ExecContext(ctx, upd, string(rec.Payload), toMillis(rec.UpdatedAt), rec.LocalID.String())
	if err != nil {
		return false, err
	}
	if err = requireRow(res); err != nil {
		return false, err
	}
	rec.Status = model.SyncPending

	var active int
	const sel = `SELECT COUNT(*) FROM outbox_events
WHERE entity_id=? AND event_type=? AND status IN ('pending','processing')`
	if err = tx.QueryRowContext(ctx, sel, ev.EntityID.String(), string(ev.Type)).Scan(&active); err != nil {
		return false, err
	}
	if active > 0 {
		return false, nil
	}
	if err = appendEventTx(ctx, tx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a record by local id.
func (r *RecordRepo) Get(ctx context.Context, localID uuid.UUID) (*model.Record, error) {
	row := r.db.SQL.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM records WHERE local_id=?`, localID.String())
	return scanRecordRow(row)
}

// ListByStatus returns up to limit records of the user in the given sync state.
func (r *RecordRepo) ListByStatus(ctx context.Context, userID uuid.UUID, status model.SyncStatus, limit int) ([]model.Record, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT `+recordCols+` FROM records WHERE user_id=? AND sync_status=? ORDER BY updated_at ASC LIMIT ?`,
		userID.String(), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkSyncing moves pending -> syncing; later states are left alone.
func (r *RecordRepo) MarkSyncing(ctx context.Context, localID uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE records SET sync_status='syncing' WHERE local_id=? AND sync_status='pending'`,
		localID.String())
	return err
}

// ReleaseSyncing undoes MarkSyncing after a retryable failure.
func (r *RecordRepo) ReleaseSyncing(ctx context.Context, localID uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE records SET sync_status='pending' WHERE local_id=? AND sync_status='syncing'`,
		localID.String())
	return err
}

// ApplyCompletion is the single merge point for processor results and push
// notices. The guard is expressed in SQL so a delayed writer can never clobber
// a state the other path already advanced past:
//   - status only moves forward (pending/syncing -> synced/failed),
//   - a completion older than the record's updated_at is rejected.
func (r *RecordRepo) ApplyCompletion(ctx context.Context, localID uuid.UUID, remoteID string, status model.SyncStatus, completedAt time.Time) (bool, error) {
	if status != model.SyncSynced && status != model.SyncFailed {
		return false, fmt.Errorf("completion status %q: %w", status, errs.ErrValidation)
	}
	if status == model.SyncSynced && remoteID == "" {
		return false, fmt.Errorf("synced without remote id: %w", errs.ErrValidation)
	}

	var rid any
	if remoteID != "" {
		rid = remoteID
	}
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE records SET sync_status=?, remote_id=COALESCE(?, remote_id), updated_at=?
WHERE local_id=? AND sync_status IN ('pending','syncing') AND updated_at <= ?`,
		string(status), rid, toMillis(completedAt), localID.String(), toMillis(completedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetPending is the manual-retry transition failed -> pending.
func (r *RecordRepo) ResetPending(ctx context.Context, localID uuid.UUID) error {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE records SET sync_status='pending', updated_at=? WHERE local_id=? AND sync_status='failed'`,
		toMillis(time.Now().UTC()), localID.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteWithEvents removes the record once no event is mid-flight: pending
// events are absorbed (completed with a note), a processing one blocks the
// delete until the current cycle settles it.
func (r *RecordRepo) DeleteWithEvents(ctx context.Context, localID uuid.UUID) (err error) {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	var processing int
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE entity_id=? AND status='processing'`,
		localID.String()).Scan(&processing); err != nil {
		return err
	}
	if processing > 0 {
		return fmt.Errorf("record %s has an event in flight: %w", localID, errs.ErrConflict)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE outbox_events SET status='completed', completed_at=?, error_message='absorbed by delete'
WHERE entity_id=? AND status='pending'`,
		toMillis(time.Now().UTC()), localID.String()); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id=?`, localID.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev *model.OutboxEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Status = model.EventPending

	const ins = `INSERT INTO outbox_events
(id, event_type, entity_id, user_id, is_new_record, metadata, priority, status, attempt_count, created_at, error_message)
VALUES (?,?,?,?,?,?,?,?,0,?,'')`
	_, err = tx.ExecContext(ctx, ins,
		ev.ID.String(), string(ev.Type), ev.EntityID.String(), ev.UserID.String(),
		boolToInt(ev.IsNewRecord), string(meta), ev.Priority, string(ev.Status),
		toMillis(ev.CreatedAt))
	return err
}

func scanRecordRow(s rowScanner) (*model.Record, error) {
	var (
		rec          model.Record
		idS, userS   string
		kindS, stS   string
		remoteID     sql.NullString
		payload      string
		updatedAt    int64
	)
	err := s.Scan(&idS, &userS, &kindS, &remoteID, &stS, &payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.LocalID, err = uuid.FromString(idS); err != nil {
		return nil, err
	}
	if rec.UserID, err = uuid.FromString(userS); err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = &remoteID.String
	}
	rec.Kind = model.EventType(kindS)
	rec.Status = model.SyncStatus(stS)
	rec.Payload = json.RawMessage(payload)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}
