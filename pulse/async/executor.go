// Package async executes planned jobs on bounded worker pools.
//
// The Executor drains the pending queue in FIFO order onto a primary pool,
// keeps failed runs in a retry list drained by a separate retry pool, and
// enqueues a job's children when it succeeds. Every run is kept in a
// bounded in-memory History and persisted through the jobs.Store.
package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
	"github.com/teranos/chronos/pulse/clock"
	"github.com/teranos/chronos/pulse/jobs"
)

// AbandonedMessage is recorded on runs left running by a previous process.
const AbandonedMessage = "abandoned: agent restarted"

// JobExecutor runs the payload of one job. A nil error is success; the
// error text becomes the run's error message.
type JobExecutor interface {
	Run(ctx context.Context, spec *jobs.Spec, scheduledTime time.Time) error
}

// JobExecutorFunc adapts a function to JobExecutor.
type JobExecutorFunc func(ctx context.Context, spec *jobs.Spec, scheduledTime time.Time) error

// Run calls f.
func (f JobExecutorFunc) Run(ctx context.Context, spec *jobs.Spec, scheduledTime time.Time) error {
	return f(ctx, spec, scheduledTime)
}

// Broadcaster receives run lifecycle events.
// This avoids a dependency from async on the server package.
type Broadcaster interface {
	BroadcastRunStarted(run jobs.Run)
	BroadcastRunFinished(run jobs.Run)
}

// FailureNotifier is told about runs that failed their last attempt.
type FailureNotifier interface {
	SendFailure(ctx context.Context, spec *jobs.Spec, run jobs.Run) error
}

// RecoveryStore is implemented by stores that can restore executor state
// after a restart.
type RecoveryStore interface {
	FailStaleRuns(ctx context.Context, message string, at time.Time) (int64, error)
	MaxRunID(ctx context.Context) (int64, error)
	// LatestRuns returns the most recent run of every job, oldest first.
	LatestRuns(ctx context.Context) ([]*jobs.Run, error)
}

// pulseLogger wraps zap.SugaredLogger with lifecycle helpers.
// Starting logs at DEBUG, Closing at WARN, Pulse at INFO.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Config contains configuration for the executor
type Config struct {
	Workers      int           `json:"workers"`       // Concurrent first attempts
	RetryWorkers int           `json:"retry_workers"` // Concurrent retries
	MaxRetries   int           `json:"max_retries"`   // Retries after the first attempt, unless the job overrides it
	PollInterval time.Duration `json:"poll_interval"` // How often the queue is drained
	HistorySize  int           `json:"history_size"`  // Runs kept in memory
	StopTimeout  time.Duration `json:"stop_timeout"`  // Grace period for running workers on Stop
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:      5,
		RetryWorkers: 2,
		MaxRetries:   5,
		PollInterval: 1 * time.Second,
		HistorySize:  1000,
		StopTimeout:  30 * time.Second,
	}
}

type pendingRetry struct {
	spec *jobs.Spec
	prev *jobs.Run
}

// Executor dispatches planned jobs and retries onto worker goroutines.
type Executor struct {
	store       jobs.Store
	runner      JobExecutor
	clock       clock.Clock
	cfg         Config
	broadcaster Broadcaster
	notifier    FailureNotifier
	logger      pulseLogger

	primary chan struct{} // primary pool slots
	retry   chan struct{} // retry pool slots

	parentCtx  context.Context
	ctx        context.Context // coordinator loop
	cancel     context.CancelFunc
	workCtx    context.Context // payloads
	workCancel context.CancelFunc
	loopWG     sync.WaitGroup
	workWG     sync.WaitGroup
	abandoned  atomic.Bool // set when Stop gives up on running workers

	mu         sync.Mutex
	nextRunID  int64
	running    map[int64]*jobs.Run // job id -> current run
	retries    []pendingRetry      // FIFO
	awaiting   map[int64]bool      // job ids in retries
	history    *History
	dispatched int64
	succeeded  int64
	failed     int64
}

// NewExecutor creates an executor. Call Start to recover state and begin
// draining the queue, or drive it with Tick in tests.
func NewExecutor(store jobs.Store, runner JobExecutor, clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Executor {
	return NewExecutorWithContext(context.Background(), store, runner, clk, cfg, log)
}

// NewExecutorWithContext creates an executor whose payload context derives
// from ctx.
func NewExecutorWithContext(ctx context.Context, store jobs.Store, runner JobExecutor, clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Executor {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.RetryWorkers < 1 {
		cfg.RetryWorkers = def.RetryWorkers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if clk == nil {
		clk = clock.System{}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(ctx)

	return &Executor{
		store:      store,
		runner:     runner,
		clock:      clk,
		cfg:        cfg,
		logger:     pulseLogger{log.Named("pulse")},
		primary:    make(chan struct{}, cfg.Workers),
		retry:      make(chan struct{}, cfg.RetryWorkers),
		parentCtx:  ctx,
		ctx:        loopCtx,
		cancel:     cancel,
		workCtx:    workCtx,
		workCancel: workCancel,
		running:    make(map[int64]*jobs.Run),
		awaiting:   make(map[int64]bool),
		history:    NewHistory(cfg.HistorySize),
	}
}

// SetBroadcaster sets the receiver of run events. Call before Start.
func (e *Executor) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// SetNotifier sets the receiver of final failures. Call before Start.
func (e *Executor) SetNotifier(n FailureNotifier) {
	e.notifier = n
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Recover fails runs a previous process left running, then seeds the run
// id sequence and the history from the store. Stale runs are not
// re-dispatched. A job whose latest run failed with retries left goes back
// on the retry list.
func (e *Executor) Recover(ctx context.Context) error {
	reconciler, ok := e.store.(RecoveryStore)
	if ok {
		n, err := reconciler.FailStaleRuns(ctx, AbandonedMessage, e.clock.Now().UTC())
		if err != nil {
			return errors.Wrap(err, "failed to reconcile stale runs")
		}
		if n > 0 {
			e.logger.Closing("Failed runs abandoned by previous process", logger.FieldCount, n)
		}
	}

	runs, err := e.store.Runs(ctx, nil, e.cfg.HistorySize)
	if err != nil {
		return errors.Wrap(err, "failed to load run history")
	}

	var maxID int64
	if ok {
		if maxID, err = reconciler.MaxRunID(ctx); err != nil {
			return errors.Wrap(err, "failed to read run id sequence")
		}
	}

	var retries []pendingRetry
	if ok {
		if retries, err = e.pendingRetries(ctx, reconciler); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(runs) - 1; i >= 0; i-- {
		e.history.Add(runs[i])
		if runs[i].ID > maxID {
			maxID = runs[i].ID
		}
	}
	if maxID > e.nextRunID {
		e.nextRunID = maxID
	}
	for _, r := range retries {
		if e.awaiting[r.spec.ID] {
			continue
		}
		e.retries = append(e.retries, r)
		e.awaiting[r.spec.ID] = true
	}
	e.logger.Starting("Executor recovered",
		"history", e.history.Len(),
		"last_run_id", e.nextRunID,
		"retries", len(e.retries))
	return nil
}

// pendingRetries finds jobs whose latest run failed with attempts left.
// Abandoned runs, deleted jobs and disabled jobs are not retried.
func (e *Executor) pendingRetries(ctx context.Context, store RecoveryStore) ([]pendingRetry, error) {
	latest, err := store.LatestRuns(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load latest runs")
	}

	var retries []pendingRetry
	for _, run := range latest {
		if run.Status != jobs.StatusFailed || run.ErrorMessage == nil || *run.ErrorMessage == AbandonedMessage {
			continue
		}
		spec, err := e.store.GetSpec(ctx, run.JobID)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load job %d", run.JobID)
		}
		if !spec.Enabled || run.Attempt > spec.RetryLimit(e.cfg.MaxRetries) {
			continue
		}
		e.logger.Pulse("Retry restored",
			logger.FieldJobID, spec.ID,
			logger.FieldJobName, spec.Name,
			logger.FieldRunID, run.ID,
			logger.FieldAttempt, run.Attempt)
		retries = append(retries, pendingRetry{spec: spec, prev: run})
	}
	return retries, nil
}

// Start recovers persisted state and begins the dispatch loop.
func (e *Executor) Start() {
	if err := e.Recover(e.ctx); err != nil {
		e.logger.Warnw("Failed to recover executor state", logger.FieldError, err)
	}

	if warning := e.checkMemoryPressure(); warning != "" {
		e.logger.Warnw("Memory pressure warning", "warning", warning, "workers", e.cfg.Workers)
	}

	e.loopWG.Add(1)
	go e.loop()
	e.logger.Pulse("Executor started",
		"workers", e.cfg.Workers,
		"retry_workers", e.cfg.RetryWorkers,
		"interval", e.cfg.PollInterval)
}

// Stop halts dispatching, then waits up to StopTimeout for running
// payloads before cancelling their context and returning.
func (e *Executor) Stop() {
	e.cancel()
	e.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		e.workWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Pulse("Executor stopped, all workers exited cleanly")
	case <-time.After(e.cfg.StopTimeout):
		e.logger.Closing("Executor stop timeout, abandoning running workers",
			"timeout", e.cfg.StopTimeout,
			"running", e.runningCount())
		e.abandoned.Store(true)
	}
	e.workCancel()
}

func (e *Executor) loop() {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warnw("Executor tick error", logger.FieldError, err)
			}
		}
	}
}

// Tick fills free primary slots from the queue, then free retry slots
// from the retry list. It never waits for a worker.
func (e *Executor) Tick(ctx context.Context) error {
	if err := e.dispatchPlanned(ctx); err != nil {
		return err
	}
	e.dispatchRetries(ctx)
	return nil
}

func (e *Executor) dispatchPlanned(ctx context.Context) error {
	if len(e.primary) == cap(e.primary) {
		return nil
	}

	queue, err := e.store.Queue(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to read queue")
	}

	for _, planned := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.InFlight(planned.JobID) {
			continue
		}
		if !acquire(e.primary) {
			return nil
		}
		started, err := e.startPlanned(ctx, planned)
		if !started {
			<-e.primary
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) startPlanned(ctx context.Context, planned *jobs.PlannedJob) (bool, error) {
	spec, err := e.store.GetSpec(ctx, planned.JobID)
	if errors.IsNotFoundError(err) {
		e.logger.Warnw("Dropping planned job for deleted spec", logger.FieldJobID, planned.JobID)
		if err := e.store.Dequeue(ctx, planned.JobID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to load job %d", planned.JobID)
	}

	e.mu.Lock()
	run := e.newRunLocked(spec, planned.ScheduledTime, 1)
	if err := e.store.Claim(ctx, planned, run); err != nil {
		e.nextRunID--
		e.mu.Unlock()
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to claim job %d", planned.JobID)
	}
	e.trackLocked(run)
	e.mu.Unlock()

	e.launch(spec, run, e.primary)
	return true, nil
}

func (e *Executor) dispatchRetries(ctx context.Context) {
	for {
		e.mu.Lock()
		if len(e.retries) == 0 || !acquire(e.retry) {
			e.mu.Unlock()
			return
		}
		next := e.retries[0]
		e.retries = e.retries[1:]
		delete(e.awaiting, next.spec.ID)
		run := e.newRunLocked(next.spec, next.prev.ScheduledTime, next.prev.Attempt+1)
		e.trackLocked(run)
		e.mu.Unlock()

		if err := e.store.RecordRun(ctx, run); err != nil {
			e.logger.Errorw("Failed to record retry start",
				logger.FieldRunID, run.ID,
				logger.FieldError, err)
		}
		e.launch(next.spec, run, e.retry)
	}
}

func acquire(slots chan struct{}) bool {
	select {
	case slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Executor) newRunLocked(spec *jobs.Spec, scheduled time.Time, attempt int) *jobs.Run {
	e.nextRunID++
	now := e.clock.Now().UTC()
	return &jobs.Run{
		ID:            e.nextRunID,
		JobID:         spec.ID,
		JobName:       spec.Name,
		ScheduledTime: scheduled,
		Attempt:       attempt,
		Status:        jobs.StatusRunning,
		StartTime:     &now,
	}
}

func (e *Executor) trackLocked(run *jobs.Run) {
	e.history.Add(run)
	e.running[run.JobID] = run
	e.dispatched++
}

func (e *Executor) launch(spec *jobs.Spec, run *jobs.Run, slots chan struct{}) {
	e.mu.Lock()
	started := *run
	e.mu.Unlock()

	e.logger.Pulse("Run started",
		logger.FieldJobID, spec.ID,
		logger.FieldJobName, spec.Name,
		logger.FieldRunID, started.ID,
		logger.FieldAttempt, started.Attempt)
	if e.broadcaster != nil {
		e.broadcaster.BroadcastRunStarted(started)
	}

	e.workWG.Add(1)
	go e.work(spec, run, slots)
}

func (e *Executor) work(spec *jobs.Spec, run *jobs.Run, slots chan struct{}) {
	defer e.workWG.Done()
	defer func() { <-slots }()

	start := time.Now()
	err := e.execute(spec, run.ScheduledTime)
	e.complete(spec, run, err, time.Since(start))
}

func (e *Executor) execute(spec *jobs.Spec, scheduled time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("unexpected failure: %v", r)
		}
	}()
	ctx := logger.WithJobID(e.workCtx, spec.ID)
	return e.runner.Run(ctx, spec, scheduled)
}

// complete is the only place a run becomes terminal.
func (e *Executor) complete(spec *jobs.Spec, run *jobs.Run, runErr error, took time.Duration) {
	e.mu.Lock()
	now := e.clock.Now().UTC()
	run.FinishTime = &now
	willRetry := false
	if runErr == nil {
		run.Status = jobs.StatusSucceeded
		e.succeeded++
	} else {
		msg := runErr.Error()
		run.Status = jobs.StatusFailed
		run.ErrorMessage = &msg
		e.failed++
		if run.Attempt <= spec.RetryLimit(e.cfg.MaxRetries) {
			e.retries = append(e.retries, pendingRetry{spec: spec, prev: run})
			e.awaiting[spec.ID] = true
			willRetry = true
		}
	}
	delete(e.running, spec.ID)
	finished := *run
	e.mu.Unlock()

	ctx := context.Background()
	log := e.logger.With(
		logger.FieldJobID, spec.ID,
		logger.FieldJobName, spec.Name,
		logger.FieldRunID, finished.ID,
		logger.FieldAttempt, finished.Attempt,
		logger.FieldDurationMS, took.Milliseconds())

	// Abandoned by Stop: the store may already be closed. The run stays
	// running in the store and the next Recover fails it.
	if e.abandoned.Load() {
		log.Debugw("Run finished after shutdown, result not recorded",
			"status", finished.Status,
			logger.FieldError, runErr)
		return
	}

	if err := e.store.RecordRun(ctx, &finished); err != nil {
		log.Errorw("Failed to record run result", logger.FieldError, err)
	}
	if e.broadcaster != nil {
		e.broadcaster.BroadcastRunFinished(finished)
	}

	switch {
	case runErr == nil:
		log.Infow("Run succeeded")
		e.enqueueChildren(ctx, spec, finished.ScheduledTime)
	case willRetry:
		log.Warnw("Run failed, retry pending", logger.FieldError, runErr)
	default:
		log.Errorw("Run failed, retries exhausted", logger.FieldError, runErr)
		if e.notifier != nil {
			if err := e.notifier.SendFailure(ctx, spec, finished); err != nil {
				log.Warnw("Failed to send failure report", logger.FieldError, err)
			}
		}
	}
}

func (e *Executor) enqueueChildren(ctx context.Context, parent *jobs.Spec, scheduled time.Time) {
	children, err := e.store.ListChildren(ctx, parent.ID)
	if err != nil {
		e.logger.Errorw("Failed to list dependent jobs",
			logger.FieldJobID, parent.ID,
			logger.FieldError, err)
		return
	}

	for _, child := range children {
		if !child.Enabled {
			continue
		}
		err := e.store.Enqueue(ctx, &jobs.PlannedJob{JobID: child.ID, ScheduledTime: scheduled})
		switch {
		case errors.IsConflictError(err):
			e.logger.Debugw("Dependent job already queued", logger.FieldJobID, child.ID)
		case err != nil:
			e.logger.Errorw("Failed to enqueue dependent job",
				logger.FieldJobID, child.ID,
				"parent_id", parent.ID,
				logger.FieldError, err)
		default:
			e.logger.Infow("Dependent job enqueued",
				logger.FieldJobID, child.ID,
				logger.FieldJobName, child.Name,
				"parent_id", parent.ID)
		}
	}
}

// InFlight reports whether jobID is running or awaiting a retry.
func (e *Executor) InFlight(jobID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, running := e.running[jobID]
	return running || e.awaiting[jobID]
}

// Runs returns copies of the retained runs in view, newest first.
func (e *Executor) Runs(view View, jobID *int64, limit int) []jobs.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Select(view, jobID, limit)
}

// QueueSize returns the number of pending planned jobs.
func (e *Executor) QueueSize(ctx context.Context) (int, error) {
	queue, err := e.store.Queue(ctx, nil)
	if err != nil {
		return 0, err
	}
	return len(queue), nil
}

// RetriesPending returns the number of runs awaiting a retry slot.
func (e *Executor) RetriesPending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retries)
}

func (e *Executor) runningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}
