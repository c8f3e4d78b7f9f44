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

// DefaultMaxAttempts is the retry budget before an event fails terminally.
const DefaultMaxAttempts = 5

// OutboxRepo implements repository.OutboxRepository on sqlite.
type OutboxRepo struct {
	db          *DB
	maxAttempts int
}

// NewOutboxRepo constructs an outbox repository. maxAttempts <= 0 selects the default.
func NewOutboxRepo(db *DB, maxAttempts int) *OutboxRepo {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &OutboxRepo{db: db, maxAttempts: maxAttempts}
}

const eventCols = `id, event_type, entity_id, user_id, is_new_record, metadata,
priority, status, attempt_count, created_at, last_attempt_at, completed_at, error_message`

// Append inserts a new pending event, rejecting a second active event for the
// same (entity, type). The select-then-insert runs in one transaction; the
// partial unique index in the schema backs the same invariant.
func (r *OutboxRepo) Append(ctx context.Context, ev *model.OutboxEvent) (err error) {
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

	const sel = `SELECT COUNT(*) FROM outbox_events
WHERE entity_id=? AND event_type=? AND status IN ('pending','processing')`
	var active int
	if err = tx.QueryRowContext(ctx, sel, ev.EntityID.String(), string(ev.Type)).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("entity %s/%s: %w", ev.EntityID, ev.Type, errs.ErrDuplicateActiveEvent)
	}

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
		toMillis(ev.CreatedAt),
	)
	return err
}

// ClaimPending selects eligible pending events and flips them to processing in
// the same transaction, so two concurrent cycles can never claim one event twice.
// Backoff eligibility is computed from the persisted attempt count:
// delay after n failures = 1s << (n-1), capped at 16s.
func (r *OutboxRepo) ClaimPending(ctx context.Context, userID uuid.UUID, limit int, now time.Time) (evs []model.OutboxEvent, err error) {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	sel := `SELECT ` + eventCols + ` FROM outbox_events
WHERE user_id=? AND status='pending'
  AND (attempt_count = 0
       OR last_attempt_at IS NULL
       OR last_attempt_at + (1000 << (MIN(attempt_count, 5) - 1)) <= ?)
ORDER BY priority ASC, created_at ASC
LIMIT ?`
	rows, err := tx.QueryContext(ctx, sel, userID.String(), toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	evs, err = scanEvents(rows)
	if err != nil {
		return nil, err
	}

	for i := range evs {
		if _, err = tx.ExecContext(ctx,
			`UPDATE outbox_events SET status='processing' WHERE id=?`,
			evs[i].ID.String()); err != nil {
			return nil, err
		}
		evs[i].Status = model.EventProcessing
	}
	return evs, nil
}

// MarkCompleted transitions an event to completed with a completion timestamp.
// Completing an already-completed event is a no-op (idempotent replays).
func (r *OutboxRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE outbox_events SET status='completed',
 completed_at=COALESCE(completed_at, ?) WHERE id=?`,
		toMillis(time.Now().UTC()), id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkFailed bumps the attempt count and either re-queues the event (pending,
// eligible again after backoff) or fails it terminally at the attempt budget.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, cause string) (next model.EventStatus, err error) {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	var attempts int
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT attempt_count, status FROM outbox_events WHERE id=?`, id.String()).
		Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if model.EventStatus(status).Terminal() {
		return "", errs.ErrEventTerminal
	}

	attempts++
	next = model.EventPending
	if attempts >= r.maxAttempts {
		next = model.EventFailed
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE outbox_events SET status=?, attempt_count=?, last_attempt_at=?, error_message=? WHERE id=?`,
		string(next), attempts, toMillis(time.Now().UTC()), cause, id.String())
	if err != nil {
		return "", err
	}
	return next, nil
}

// Release puts a claimed event back to pending without burning an attempt.
func (r *OutboxRepo) Release(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE outbox_events SET status='pending' WHERE id=? AND status='processing'`,
		id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkTerminallyFailed fails the event immediately (validation/conflict rejections).
func (r *OutboxRepo) MarkTerminallyFailed(ctx context.Context, id uuid.UUID, cause string) error {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE outbox_events SET status='failed', last_attempt_at=?, error_message=?
WHERE id=? AND status IN ('pending','processing')`,
		toMillis(time.Now().UTC()), cause, id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ResetForRetry is the manual failed->pending transition with a fresh attempt budget.
func (r *OutboxRepo) ResetForRetry(ctx context.Context, id uuid.UUID) (err error) {
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

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE id=?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.EventStatus(status) == model.EventCompleted {
		return errs.ErrEventTerminal
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE outbox_events SET status='pending', attempt_count=0, last_attempt_at=NULL, error_message='' WHERE id=?`,
		id.String())
	return err
}

// ActiveEvent returns the non-terminal event for (entity, type), if any.
func (r *OutboxRepo) ActiveEvent(ctx context.Context, entityID uuid.UUID, typ model.EventType) (*model.OutboxEvent, error) {
	row := r.db.SQL.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM outbox_events
WHERE entity_id=? AND event_type=? AND status IN ('pending','processing')`,
		entityID.String(), string(typ))
	return scanEvent(row)
}

// LatestForEntity returns the newest event for (entity, type), any status.
func (r *OutboxRepo) LatestForEntity(ctx context.Context, entityID uuid.UUID, typ model.EventType) (*model.OutboxEvent, error) {
	row := r.db.SQL.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM outbox_events
WHERE entity_id=? AND event_type=? ORDER BY created_at DESC LIMIT 1`,
		entityID.String(), string(typ))
	return scanEvent(row)
}

// Get returns an event by id.
func (r *OutboxRepo) Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	row := r.db.SQL.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM outbox_events WHERE id=?`, id.String())
	return scanEvent(row)
}

// PurgeCompleted removes completed events past the retention window.
func (r *OutboxRepo) PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status='completed' AND completed_at < ?`,
		toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(s rowScanner) (*model.OutboxEvent, error) {
	var (
		ev                  model.OutboxEvent
		idS, entS, userS    string
		typS, statusS, meta string
		isNew               int
		createdAt           int64
		lastAt, doneAt      sql.NullInt64
	)
	err := s.Scan(&idS, &typS, &entS, &userS, &isNew, &meta,
		&ev.Priority, &statusS, &ev.AttemptCount, &createdAt, &lastAt, &doneAt, &ev.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ev.ID, err = uuid.FromString(idS); err != nil {
		return nil, err
	}
	if ev.EntityID, err = uuid.FromString(entS); err != nil {
		return nil, err
	}
	if ev.UserID, err = uuid.FromString(userS); err != nil {
		return nil, err
	}
	if meta != "" && meta != "null" {
		if err = json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, err
		}
	}
	ev.Type = model.EventType(typS)
	ev.Status = model.EventStatus(statusS)
	ev.IsNewRecord = isNew != 0
	ev.CreatedAt = fromMillis(createdAt)
	ev.LastAttemptAt = fromMillisPtr(lastAt)
	ev.CompletedAt = fromMillisPtr(doneAt)
	return &ev, nil
}

func scanEvent(row *sql.Row) (*model.OutboxEvent, error) {
	return scanEventRow(row)
}

func scanEvents(rows *sql.Rows) ([]model.OutboxEvent, error) {
	defer rows.Close()
	var out []model.OutboxEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
