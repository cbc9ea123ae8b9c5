// Package schedule turns cron schedules into planned jobs.
//
// The Ticker wakes on a fixed interval, evaluates every enabled spec's
// schedule against the injected clock and enqueues one PlannedJob per due
// job. A job that already has a pending instance, or that the executor
// reports as in flight, is skipped for that tick.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
	"github.com/teranos/chronos/pulse/clock"
	"github.com/teranos/chronos/pulse/cron"
	"github.com/teranos/chronos/pulse/jobs"
)

// RunTracker reports whether a job is running or awaiting a retry.
// The executor implements it.
type RunTracker interface {
	InFlight(jobID int64) bool
}

// Ticker periodically enqueues due jobs.
type Ticker struct {
	store    jobs.Store
	tracker  RunTracker
	clock    clock.Clock
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	enqueuedTotal   int64
	lastAdmitted    map[int64]time.Time // job id -> minute of last admission
	nextDue         *jobs.Spec
	nextDueAt       time.Time
}

// TickerConfig contains configuration for the scheduler ticker
type TickerConfig struct {
	Interval time.Duration // How often schedules are evaluated (default: 10 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 10 * time.Second,
	}
}

// NewTicker creates a scheduler ticker. tracker may be nil.
func NewTicker(store jobs.Store, tracker RunTracker, clk clock.Clock, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, tracker, clk, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, store jobs.Store, tracker RunTracker, clk clock.Clock, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if clk == nil {
		clk = clock.System{}
	}

	return &Ticker{
		store:        store,
		tracker:      tracker,
		clock:        clk,
		interval:     cfg.Interval,
		ctx:          tickerCtx,
		cancel:       cancel,
		logger:       log.Named("scheduler"),
		lastAdmitted: make(map[int64]time.Time),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Scheduler started", "interval", t.interval)
}

// Stop cancels the loop and waits for an in-progress tick to return.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Tick(t.ctx); err != nil && t.ctx.Err() == nil {
				t.logger.Warnw("Scheduler tick error",
					logger.FieldError, err,
					logger.FieldTick, t.ticks())
			}
		}
	}
}

// Tick evaluates every enabled schedule once and returns how many jobs it
// enqueued. A store error aborts the tick; the next tick starts over.
func (t *Ticker) Tick(ctx context.Context) (int, error) {
	now := t.clock.Now().UTC()
	minute := now.Truncate(time.Minute)

	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	for id, m := range t.lastAdmitted {
		if m.Before(minute) {
			delete(t.lastAdmitted, id)
		}
	}
	t.mu.Unlock()

	specs, err := t.store.ListEnabledSpecs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list enabled jobs")
	}
	queue, err := t.store.Queue(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read queue")
	}
	pending := make(map[int64]bool, len(queue))
	for _, p := range queue {
		pending[p.JobID] = true
	}

	t.trackNextDue(specs, now)

	admitted := 0
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}
		if !spec.IsScheduled() || !cron.IsDue(spec.Schedule, now) {
			continue
		}

		log := t.logger.With(logger.FieldJobID, spec.ID, logger.FieldJobName, spec.Name)
		if pending[spec.ID] {
			log.Debugw("Job already queued, skipping")
			continue
		}
		if t.tracker != nil && t.tracker.InFlight(spec.ID) {
			log.Debugw("Job in flight, skipping")
			continue
		}
		if t.admittedAt(spec.ID, minute) {
			continue
		}

		planned := &jobs.PlannedJob{JobID: spec.ID, ScheduledTime: now}
		if err := t.store.Enqueue(ctx, planned); err != nil {
			if errors.IsConflictError(err) {
				log.Debugw("Job enqueued concurrently, skipping")
				continue
			}
			return admitted, errors.Wrapf(err, "failed to enqueue job %d", spec.ID)
		}

		t.mu.Lock()
		t.lastAdmitted[spec.ID] = minute
		t.enqueuedTotal++
		t.mu.Unlock()
		admitted++

		log.Infow("Job due, enqueued",
			logger.FieldSchedule, spec.Schedule,
			logger.FieldScheduledTime, now.Format(time.RFC3339))
	}

	return admitted, nil
}

func (t *Ticker) admittedAt(jobID int64, minute time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastAdmitted[jobID]
	return ok && last.Equal(minute)
}

// trackNextDue remembers the soonest upcoming fire time, logging only when
// it changes.
func (t *Ticker) trackNextDue(specs []*jobs.Spec, now time.Time) {
	var next *jobs.Spec
	var nextAt time.Time
	for _, spec := range specs {
		if !spec.IsScheduled() {
			continue
		}
		at, err := cron.Next(spec.Schedule, now)
		if err != nil {
			continue
		}
		if next == nil || at.Before(nextAt) {
			next, nextAt = spec, at
		}
	}

	t.mu.Lock()
	changed := !nextAt.Equal(t.nextDueAt) || (next == nil) != (t.nextDue == nil)
	t.nextDue, t.nextDueAt = next, nextAt
	t.mu.Unlock()

	if !changed {
		return
	}
	if next == nil {
		t.logger.Debugw("No scheduled jobs")
		return
	}
	t.logger.Debugw("Next scheduled job",
		logger.FieldJobName, next.Name,
		"next_at", nextAt.Format(time.RFC3339),
		"in", nextAt.Sub(now).Round(time.Second))
}

func (t *Ticker) ticks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticksSinceStart
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"enqueued_total":    t.enqueuedTotal,
		"interval":          t.interval.String(),
	}
	if t.nextDue != nil {
		stats["next_job"] = t.nextDue.Name
		stats["next_at"] = t.nextDueAt
	}
	return stats
}
