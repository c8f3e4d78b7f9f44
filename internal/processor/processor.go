// Package processor drains the outbox on a timer and dispatches events to the
// matching remote sync client.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumehealth/lume-sync/internal/errs"
	"github.com/lumehealth/lume-sync/internal/model"
	"github.com/lumehealth/lume-sync/internal/repository"
)

// Uploader pushes one local record upstream and returns the remote id.
// Implemented by the per-domain clients in internal/remote.
type Uploader interface {
	Upload(ctx context.Context, rec *model.Record, isNew bool) (string, error)
}

// Session answers "who is logged in right now", so a cycle that fires around
// a logout can skip cleanly.
type Session interface {
	CurrentUser() (uuid.UUID, bool)
}

// Config tunes the processor.
type Config struct {
	Interval    time.Duration // timer period between cycles
	BatchSize   int           // events claimed per cycle
	Concurrency int           // parallel dispatches per cycle
	Retention   time.Duration // completed events older than this are purged
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BatchSize:   10,
		Concurrency: 3,
		Retention:   30 * 24 * time.Hour,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
}

// Processor owns the drain loop lifecycle. One cycle runs at a time; a timer
// tick that fires mid-cycle is dropped, not queued.
type Processor struct {
	outbox    repository.OutboxRepository
	records   repository.RecordRepository
	uploaders map[model.EventType]Uploader
	session   Session
	cfg       Config
	log       *zap.Logger

	runMu     sync.Mutex // reentrancy guard: held for the whole cycle
	lastPurge time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a processor.
func New(outbox repository.OutboxRepository, records repository.RecordRepository,
	uploaders map[model.EventType]Uploader, session Session, cfg Config, log *zap.Logger) *Processor {
	cfg.fill()
	return &Processor{
		outbox:    outbox,
		records:   records,
		uploaders: uploaders,
		session:   session,
		cfg:       cfg,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the timer loop. Call Stop to end it.
func (p *Processor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.ProcessNow(context.Background())
			}
		}
	}()
}

// Stop cancels the timer and waits for an in-flight cycle to finish. It never
// cancels a dispatch mid-upload; results of a cycle that outlives the session
// are discarded by the guards in the stores.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// ProcessNow runs one cycle immediately (explicit trigger, e.g. on app
// foreground). Returns false if a cycle was already running.
func (p *Processor) ProcessNow(ctx context.Context) bool {
	if !p.runMu.TryLock() {
		return false
	}
	p.wg.Add(1)
	defer p.wg.Done()
	defer p.runMu.Unlock()
	p.runCycle(ctx)
	return true
}

// runCycle claims a batch and dispatches it with bounded concurrency.
// A failure in one event never aborts the rest of the batch.
func (p *Processor) runCycle(ctx context.Context) {
	userID, ok := p.session.CurrentUser()
	if !ok {
		return
	}

	// The cycle must not be torn down by a logout that races it; store-level
	// guards make a late result harmless.
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	events, err := p.outbox.ClaimPending(ctx, userID, p.cfg.BatchSize, now)
	if err != nil {
		p.log.Error("claim pending events", zap.Error(err))
		return
	}
	if len(events) > 0 {
		p.log.Debug("claimed events", zap.Int("count", len(events)))
	}

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for i := range events {
		ev := events[i]
		g.Go(func() error {
			p.dispatch(ctx, &ev)
			return nil
		})
	}
	_ = g.Wait()

	p.maybePurge(ctx, now)
}

// dispatch handles one claimed event end to end.
func (p *Processor) dispatch(ctx context.Context, ev *model.OutboxEvent) {
	log := p.log.With(
		zap.String("event_id", ev.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("entity_id", ev.EntityID.String()),
	)

	rec, err := p.records.Get(ctx, ev.EntityID)
	if errors.Is(err, errs.ErrNotFound) {
		// Record deleted out from under the event; nothing left to send.
		p.complete(ctx, ev, log)
		return
	}
	if err != nil {
		log.Error("load record", zap.Error(err))
		p.fail(ctx, ev, err, log)
		return
	}
	if rec.Synced() {
		// The realtime channel (or an earlier replayed cycle) already landed
		// this record; completing the event is the whole job.
		p.complete(ctx, ev, log)
		return
	}

	up, ok := p.uploaders[ev.Type]
	if !ok {
		log.Error("no uploader registered")
		p.failTerminal(ctx, ev, fmt.Sprintf("no uploader for %s", ev.Type), log)
		return
	}

	if err := p.records.MarkSyncing(ctx, rec.LocalID); err != nil {
		log.Warn("mark syncing", zap.Error(err))
	}

	remoteID, err := up.Upload(ctx, rec, ev.IsNewRecord)
	if err != nil {
		p.handleUploadError(ctx, ev, err, log)
		return
	}

	// The completion is stamped with the snapshot that was uploaded, not the
	// wall clock, so an edit made while the payload was in flight rejects it.
	applied, err := p.records.ApplyCompletion(ctx, rec.LocalID, remoteID, model.SyncSynced, rec.UpdatedAt)
	if err != nil {
		log.Error("apply completion", zap.Error(err))
		p.fail(ctx, ev, err, log)
		return
	}
	if !applied {
		// The record moved on mid-upload; this result is stale. Put the event
		// back so the current payload goes out on a later cycle.
		log.Info("record changed during upload, requeueing", zap.String("remote_id", remoteID))
		if rerr := p.outbox.Release(ctx, ev.ID); rerr != nil {
			log.Error("release event", zap.Error(rerr))
		}
		return
	}
	p.complete(ctx, ev, log)
	log.Info("record synced", zap.String("remote_id", remoteID))
}

func (p *Processor) handleUploadError(ctx context.Context, ev *model.OutboxEvent, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, errs.ErrSessionRevoked):
		// Fatal for the whole session; the event keeps its attempt budget and
		// replays after re-authentication.
		log.Warn("session revoked mid-upload, releasing event")
		if rerr := p.outbox.Release(ctx, ev.ID); rerr != nil {
			log.Error("release event", zap.Error(rerr))
		}
		if rerr := p.records.ReleaseSyncing(ctx, ev.EntityID); rerr != nil {
			log.Error("release syncing record", zap.Error(rerr))
		}
	case errs.Retryable(err):
		log.Warn("upload failed, will retry", zap.Error(err), zap.Int("attempts", ev.AttemptCount+1))
		p.fail(ctx, ev, err, log)
	default:
		// Validation/conflict: retrying resends the same bad payload.
		log.Warn("upload rejected", zap.Error(err))
		p.failTerminal(ctx, ev, err.Error(), log)
	}
}

func (p *Processor) complete(ctx context.Context, ev *model.OutboxEvent, log *zap.Logger) {
	if err := p.outbox.MarkCompleted(ctx, ev.ID); err != nil {
		log.Error("mark completed", zap.Error(err))
	}
}

// fail records a retryable failure; if that exhausted the attempt budget the
// record is parked as failed alongside the event.
func (p *Processor) fail(ctx context.Context, ev *model.OutboxEvent, cause error, log *zap.Logger) {
	status, err := p.outbox.MarkFailed(ctx, ev.ID, cause.Error())
	if err != nil {
		log.Error("mark failed", zap.Error(err))
		return
	}
	switch status {
	case model.EventFailed:
		log.Warn("event exhausted retries")
		if _, err := p.records.ApplyCompletion(ctx, ev.EntityID, "", model.SyncFailed, time.Now().UTC()); err != nil {
			log.Error("mark record failed", zap.Error(err))
		}
	case model.EventPending:
		if err := p.records.ReleaseSyncing(ctx, ev.EntityID); err != nil {
			log.Error("release syncing record", zap.Error(err))
		}
	}
}

func (p *Processor) failTerminal(ctx context.Context, ev *model.OutboxEvent, cause string, log *zap.Logger) {
	if err := p.outbox.MarkTerminallyFailed(ctx, ev.ID, cause); err != nil {
		log.Error("mark terminally failed", zap.Error(err))
	}
	if _, err := p.records.ApplyCompletion(ctx, ev.EntityID, "", model.SyncFailed, time.Now().UTC()); err != nil {
		log.Error("mark record failed", zap.Error(err))
	}
}

// maybePurge trims long-completed events roughly hourly, piggybacking on a cycle.
func (p *Processor) maybePurge(ctx context.Context, now time.Time) {
	if now.Sub(p.lastPurge) < time.Hour {
		return
	}
	p.lastPurge = now
	n, err := p.outbox.PurgeCompleted(ctx, now.Add(-p.cfg.Retention))
	if err != nil {
		p.log.Error("purge completed events", zap.Error(err))
		return
	}
	if n > 0 {
		p.log.Info("purged completed events", zap.Int("count", n))
	}
}
