// Package service contains the use-case operations for recording and
// reconciling health data.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
	"github.com/lumehealth/lume-sync/internal/repository"
)

// RecordService is the write path for local records: every create/update
// persists the record (pending) and its outbox event in one transaction, so
// nothing the user logged can miss the sync engine.
type RecordService struct {
	records repository.RecordRepository
	outbox  repository.OutboxRepository
	log     *zap.Logger
}

// NewRecordService constructs the service.
func NewRecordService(records repository.RecordRepository, outbox repository.OutboxRepository, log *zap.Logger) *RecordService {
	return &RecordService{records: records, outbox: outbox, log: log}
}

// TrackProgress stores a new progress entry and queues its upload.
func (s *RecordService) TrackProgress(ctx context.Context, userID uuid.UUID, entry model.ProgressEntry) (*model.Record, error) {
	if entry.Metric == "" {
		return nil, fmt.Errorf("empty metric: %w", errs.ErrValidation)
	}
	return s.create(ctx, userID, model.EventProgressEntry, entry, map[string]string{"metric": entry.Metric})
}

// LogSleep stores a new sleep session and queues its upload.
func (s *RecordService) LogSleep(ctx context.Context, userID uuid.UUID, session model.SleepSession) (*model.Record, error) {
	if !session.EndedAt.After(session.StartedAt) {
		return nil, fmt.Errorf("sleep session ends before it starts: %w", errs.ErrValidation)
	}
	return s.create(ctx, userID, model.EventSleepSession, session, nil)
}

// LogMood stores a new mood log and queues its upload.
func (s *RecordService) LogMood(ctx context.Context, userID uuid.UUID, mood model.MoodLog) (*model.Record, error) {
	if mood.Mood == "" {
		return nil, fmt.Errorf("empty mood: %w", errs.ErrValidation)
	}
	return s.create(ctx, userID, model.EventMoodLog, mood, nil)
}

// LogMeal stores a new meal log and queues its upload.
func (s *RecordService) LogMeal(ctx context.Context, userID uuid.UUID, meal model.MealLog) (*model.Record, error) {
	if len(meal.Items) == 0 {
		return nil, fmt.Errorf("meal without items: %w", errs.ErrValidation)
	}
	return s.create(ctx, userID, model.EventMealLog, meal, map[string]string{"meal_type": meal.MealType})
}

// Update rewrites a record's payload and queues an upload; if an upload for
// this record is already queued the change coalesces into it.
func (s *RecordService) Update(ctx context.Context, localID uuid.UUID, payload any) (*model.Record, error) {
	rec, err := s.records.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	rec.Payload = raw
	rec.UpdatedAt = time.Now().UTC()

	ev, err := s.newEvent(rec, rec.RemoteID == nil, nil)
	if err != nil {
		return nil, err
	}
	appended, err := s.records.UpdateWithEvent(ctx, rec, ev)
	if err != nil {
		return nil, err
	}
	if !appended {
		s.log.Debug("update coalesced into active event", zap.String("local_id", localID.String()))
	}
	return rec, nil
}

// Get returns a record by local id.
func (s *RecordService) Get(ctx context.Context, localID uuid.UUID) (*model.Record, error) {
	return s.records.Get(ctx, localID)
}

// FailedRecords lists records stuck in failed state, for the manual-retry UI.
func (s *RecordService) FailedRecords(ctx context.Context, userID uuid.UUID, limit int) ([]model.Record, error) {
	return s.records.ListByStatus(ctx, userID, model.SyncFailed, limit)
}

// Delete removes a record, first absorbing any queued upload for it. While an
// upload is mid-flight the delete is refused; callers retry after the cycle.
func (s *RecordService) Delete(ctx context.Context, localID uuid.UUID) error {
	return s.records.DeleteWithEvents(ctx, localID)
}

// RetrySync is the manual "retry sync" action on a failed record: its failed
// event gets a fresh attempt budget and the record goes back to pending.
func (s *RecordService) RetrySync(ctx context.Context, localID uuid.UUID) error {
	rec, err := s.records.Get(ctx, localID)
	if err != nil {
		return err
	}
	if rec.Status != model.SyncFailed {
		return fmt.Errorf("record %s is %s, not failed: %w", localID, rec.Status, errs.ErrValidation)
	}

	ev, err := s.outbox.LatestForEntity(ctx, localID, rec.Kind)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		// No event survives (purged); queue a fresh one.
		if err := s.requeue(ctx, rec); err != nil {
			return err
		}
	case err != nil:
		return err
	case ev.Status == model.EventFailed:
		if err := s.outbox.ResetForRetry(ctx, ev.ID); err != nil {
			return err
		}
	case ev.Status == model.EventCompleted:
		if err := s.requeue(ctx, rec); err != nil {
			return err
		}
	default:
		// already pending/processing, nothing to reset
	}
	return s.records.ResetPending(ctx, localID)
}

func (s *RecordService) create(ctx context.Context, userID uuid.UUID, kind model.EventType, payload any, meta map[string]string) (*model.Record, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("empty userID: %w", errs.ErrValidation)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	localID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	rec := &model.Record{
		LocalID:   localID,
		UserID:    userID,
		Kind:      kind,
		Status:    model.SyncPending,
		Payload:   raw,
		UpdatedAt: time.Now().UTC(),
	}
	ev, err := s.newEvent(rec, true, meta)
	if err != nil {
		return nil, err
	}
	if err := s.records.CreateWithEvent(ctx, rec, ev); err != nil {
		return nil, err
	}
	s.log.Info("record queued for sync",
		zap.String("local_id", rec.LocalID.String()), zap.String("kind", string(kind)))
	return rec, nil
}

func (s *RecordService) newEvent(rec *model.Record, isNew bool, meta map[string]string) (*model.OutboxEvent, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &model.OutboxEvent{
		ID:          id,
		Type:        rec.Kind,
		EntityID:    rec.LocalID,
		UserID:      rec.UserID,
		IsNewRecord: isNew,
		Metadata:    meta,
		Priority:    100,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// requeue appends a replacement event for a record whose previous event is terminal.
func (s *RecordService) requeue(ctx context.Context, rec *model.Record) error {
	ev, err := s.newEvent(rec, rec.RemoteID == nil, nil)
	if err != nil {
		return err
	}
	if err := s.outbox.Append(ctx, ev); err != nil && !errors.Is(err, errs.ErrDuplicateActiveEvent) {
		return err
	}
	return nil
}
