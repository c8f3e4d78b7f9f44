package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
	"github.com/lumehealth/lume-sync/internal/repository"
)

// NoticeSource is the realtime channel surface the reconciler consumes: a
// stream of completion notices plus a hint that pushes may be getting lost.
type NoticeSource interface {
	Notices() <-chan model.CompletionNotice
	NeedPoll() bool
}

// CycleTrigger kicks an immediate processor cycle (the poll fallback).
type CycleTrigger interface {
	ProcessNow(ctx context.Context) bool
}

// Reconciler merges push-channel completions into the local record store
// without ever regressing state the processor already advanced.
type Reconciler struct {
	records   repository.RecordRepository
	outbox    repository.OutboxRepository
	src       NoticeSource
	trigger   CycleTrigger
	pollEvery time.Duration
	log       *zap.Logger

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler constructs a reconciler. pollEvery <= 0 defaults to 15s.
func NewReconciler(records repository.RecordRepository, outbox repository.OutboxRepository,
	src NoticeSource, trigger CycleTrigger, pollEvery time.Duration, log *zap.Logger) *Reconciler {
	if pollEvery <= 0 {
		pollEvery = 15 * time.Second
	}
	return &Reconciler{
		records:   records,
		outbox:    outbox,
		src:       src,
		trigger:   trigger,
		pollEvery: pollEvery,
		log:       log,
	}
}

// Start launches the notice consumer and the poll fallback loop.
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		// Exits on cancel as well as on stream close: Stop must not depend on
		// the notice source shutting down first.
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-r.src.Notices():
				if !ok {
					return
				}
				r.Apply(context.WithoutCancel(ctx), n)
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		r.pollLoop(ctx)
	}()
}

// Stop ends both loops. A notice mid-apply finishes its record write.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
	r.wg.Wait()
}

// Apply merges one completion notice. The store-level guard enforces the merge
// rule: status forward only, and a completion older than the record's
// updated_at never wins.
func (r *Reconciler) Apply(ctx context.Context, n model.CompletionNotice) {
	log := r.log.With(
		zap.String("entity_id", n.EntityID.String()),
		zap.String("kind", string(n.Kind)),
		zap.String("status", string(n.Status)),
	)

	applied, err := r.records.ApplyCompletion(ctx, n.EntityID, n.RemoteID, n.Status, n.CompletedAt)
	if err != nil {
		if errors.Is(err, errs.ErrValidation) {
			log.Warn("malformed completion notice", zap.Error(err))
			return
		}
		log.Error("apply push completion", zap.Error(err))
		return
	}
	if !applied {
		// Either the record is gone, already ahead, or the notice is stale.
		log.Debug("push completion dropped", zap.Error(errs.ErrStaleNotice))
		return
	}

	// Settle the outstanding event so the processor's later pass is a no-op.
	ev, err := r.outbox.ActiveEvent(ctx, n.EntityID, n.Kind)
	if errors.Is(err, errs.ErrNotFound) {
		log.Info("push completion applied, no event outstanding")
		return
	}
	if err != nil {
		log.Error("lookup active event", zap.Error(err))
		return
	}
	switch n.Status {
	case model.SyncSynced:
		err = r.outbox.MarkCompleted(ctx, ev.ID)
	case model.SyncFailed:
		err = r.outbox.MarkTerminallyFailed(ctx, ev.ID, n.Error)
	}
	if err != nil {
		log.Error("settle event after push", zap.Error(err))
		return
	}
	log.Info("push completion applied", zap.String("remote_id", n.RemoteID))
}

// pollLoop falls back to short-interval processor cycles while the channel
// cannot be trusted to deliver pushes, and goes quiet once it can.
func (r *Reconciler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.src.NeedPoll() && r.trigger != nil {
				r.log.Debug("no recent push, polling via processor cycle")
				r.trigger.ProcessNow(ctx)
			}
		}
	}
}
