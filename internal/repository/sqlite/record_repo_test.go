package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
)

func newRecord(t *testing.T, userID uuid.UUID, kind model.EventType) *model.Record {
	t.Helper()
	return &model.Record{
		LocalID: uuid.Must(uuid.NewV4()),
		UserID:  userID,
		Kind:    kind,
		Payload: json.RawMessage(`{"metric":"weight","quantity":80.5,"unit":"kg"}`),
	}
}

func eventFor(t *testing.T, rec *model.Record, isNew bool) *model.OutboxEvent {
	t.Helper()
	return &model.OutboxEvent{
		ID:          uuid.Must(uuid.NewV4()),
		Type:        rec.Kind,
		EntityID:    rec.LocalID,
		UserID:      rec.UserID,
		IsNewRecord: isNew,
		Priority:    100,
	}
}

func TestRecordRepo_CreateWithEvent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	records := NewRecordRepo(db)
	outbox := NewOutboxRepo(db, 0)
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventProgressEntry)
	ev := eventFor(t, rec, true)
	require.NoError(t, records.CreateWithEvent(ctx, rec, ev))

	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.SyncPending, got.Status)
	require.Nil(t, got.RemoteID)
	require.JSONEq(t, string(rec.Payload), string(got.Payload))

	active, err := outbox.ActiveEvent(ctx, rec.LocalID, rec.Kind)
	require.NoError(t, err)
	require.True(t, active.IsNewRecord)
}

func TestRecordRepo_CreateWithEvent_AtomicOnEventFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	records := NewRecordRepo(db)
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventProgressEntry)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	// Re-inserting the same record violates the PK; the paired event insert
	// rolls back with it, so no orphan event appears.
	other := eventFor(t, rec, true)
	err := records.CreateWithEvent(ctx, rec, other)
	require.Error(t, err)

	outbox := NewOutboxRepo(db, 0)
	_, err = outbox.Get(ctx, other.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRecordRepo_UpdateWithEvent_Coalesces(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	records := NewRecordRepo(db)
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventMoodLog)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	// The create's event is still pending, so the update coalesces.
	rec.Payload = json.RawMessage(`{"mood":"calm","intensity":6}`)
	appended, err := records.UpdateWithEvent(ctx, rec, eventFor(t, rec, false))
	require.NoError(t, err)
	require.False(t, appended)

	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.JSONEq(t, `{"mood":"calm","intensity":6}`, string(got.Payload))

	// Once the event completes, a later update appends a new one.
	outbox := NewOutboxRepo(db, 0)
	active, err := outbox.ActiveEvent(ctx, rec.LocalID, rec.Kind)
	require.NoError(t, err)
	require.NoError(t, outbox.MarkCompleted(ctx, active.ID))

	appended, err = records.UpdateWithEvent(ctx, rec, eventFor(t, rec, false))
	require.NoError(t, err)
	require.True(t, appended)
}

func TestRecordRepo_ApplyCompletion_SetsRemoteID(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(newTestDB(t))
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventProgressEntry)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	applied, err := records.ApplyCompletion(ctx, rec.LocalID, "srv-123", model.SyncSynced, time.Now())
	require.NoError(t, err)
	require.True(t, applied)

	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.True(t, got.Synced())
	require.Equal(t, "srv-123", *got.RemoteID)
}

func TestRecordRepo_ApplyCompletion_RejectsStaleTimestamp(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(newTestDB(t))
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventMealLog)
	rec.UpdatedAt = time.Now()
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	stale := rec.UpdatedAt.Add(-time.Minute)
	applied, err := records.ApplyCompletion(ctx, rec.LocalID, "srv-9", model.SyncSynced, stale)
	require.NoError(t, err)
	require.False(t, applied, "a completion older than the record must not win")

	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.SyncPending, got.Status)
	require.Nil(t, got.RemoteID)
}

func TestRecordRepo_ApplyCompletion_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(newTestDB(t))
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventMealLog)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	// Push lands first with completion time T1.
	t1 := time.Now()
	applied, err := records.ApplyCompletion(ctx, rec.LocalID, "srv-1", model.SyncSynced, t1)
	require.NoError(t, err)
	require.True(t, applied)

	// Processor pass with a newer wall clock but the record already advanced:
	// status is terminal for this round, so nothing moves.
	applied, err = records.ApplyCompletion(ctx, rec.LocalID, "srv-2", model.SyncFailed, t1.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, applied)

	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.SyncSynced, got.Status)
	require.Equal(t, "srv-1", *got.RemoteID)
}

func TestRecordRepo_ApplyCompletion_SyncedRequiresRemoteID(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(newTestDB(t))
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventProgressEntry)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	_, err := records.ApplyCompletion(ctx, rec.LocalID, "", model.SyncSynced, time.Now())
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestRecordRepo_ApplyCompletion_FailureKeepsRemoteID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	records := NewRecordRepo(db)
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventMealLog)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))
	_, err := records.ApplyCompletion(ctx, rec.LocalID, "srv-1", model.SyncSynced, time.Now())
	require.NoError(t, err)

	// A later update queues another upload round; its failure must not erase
	// the remote identity acquired earlier.
	rec.Payload = json.RawMessage(`{"meal_type":"lunch","items":[]}`)
	_, err = records.UpdateWithEvent(ctx, rec, eventFor(t, rec, false))
	require.NoError(t, err)

	applied, err := records.ApplyCompletion(ctx, rec.LocalID, "", model.SyncFailed, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, applied)

	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.SyncFailed, got.Status)
	require.NotNil(t, got.RemoteID)
	require.Equal(t, "srv-1", *got.RemoteID)
	require.False(t, got.Synced())
}

func TestRecordRepo_MarkSyncingAndRelease(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(newTestDB(t))
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventSleepSession)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	require.NoError(t, records.MarkSyncing(ctx, rec.LocalID))
	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.SyncSyncing, got.Status)

	require.NoError(t, records.ReleaseSyncing(ctx, rec.LocalID))
	got, err = records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.SyncPending, got.Status)
}

func TestRecordRepo_ResetPending(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(newTestDB(t))
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventProgressEntry)
	require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))

	// Only failed records reset.
	require.ErrorIs(t, records.ResetPending(ctx, rec.LocalID), errs.ErrNotFound)

	applied, err := records.ApplyCompletion(ctx, rec.LocalID, "", model.SyncFailed, time.Now())
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, records.ResetPending(ctx, rec.LocalID))

	got, err := records.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, model.SyncPending, got.Status)
}

func TestRecordRepo_DeleteWithEvents(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	records := NewRecordRepo(db)
	outbox := NewOutboxRepo(db, 0)
	user := uuid.Must(uuid.NewV4())

	rec := newRecord(t, user, model.EventMoodLog)
	ev := eventFor(t, rec, true)
	require.NoError(t, records.CreateWithEvent(ctx, rec, ev))

	// A claimed (processing) event blocks the delete.
	_, err := outbox.ClaimPending(ctx, user, 10, time.Now())
	require.NoError(t, err)
	require.ErrorIs(t, records.DeleteWithEvents(ctx, rec.LocalID), errs.ErrConflict)

	// Back to pending, the delete absorbs the event and removes the record.
	require.NoError(t, outbox.Release(ctx, ev.ID))
	require.NoError(t, records.DeleteWithEvents(ctx, rec.LocalID))

	_, err = records.Get(ctx, rec.LocalID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	got, err := outbox.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, model.EventCompleted, got.Status)
}

func TestRecordRepo_ListByStatus(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(newTestDB(t))
	user := uuid.Must(uuid.NewV4())

	for i := 0; i < 3; i++ {
		rec := newRecord(t, user, model.EventProgressEntry)
		require.NoError(t, records.CreateWithEvent(ctx, rec, eventFor(t, rec, true)))
	}
	synced := newRecord(t, user, model.EventProgressEntry)
	require.NoError(t, records.CreateWithEvent(ctx, synced, eventFor(t, synced, true)))
	_, err := records.ApplyCompletion(ctx, synced.LocalID, "srv-1", model.SyncSynced, time.Now())
	require.NoError(t, err)

	pending, err := records.ListByStatus(ctx, user, model.SyncPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	done, err := records.ListByStatus(ctx, user, model.SyncSynced, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
}
