// Package agent assembles the store, payload handlers, executor, scheduler
// and status server into the long-running chronos agent.
package agent

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/chronos/am"
	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/notify"
	"github.com/teranos/chronos/pulse/async"
	"github.com/teranos/chronos/pulse/clock"
	"github.com/teranos/chronos/pulse/jobs"
	"github.com/teranos/chronos/pulse/payload"
	"github.com/teranos/chronos/pulse/schedule"
	"github.com/teranos/chronos/server"
	"github.com/teranos/chronos/version"
)

// Options adjust an agent beyond its configuration.
type Options struct {
	NoServer bool
	Clock    clock.Clock // nil = system clock
}

// Agent is one running scheduler process.
type Agent struct {
	ID string

	cfg      *am.Config
	store    *jobs.SQLStore
	drivers  *payload.Drivers
	mailer   *notify.Mailer
	registry *payload.Registry
	executor *async.Executor
	ticker   *schedule.Ticker
	server   *server.Server
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	watchers []*jobs.DefinitionWatcher
}

// New wires an agent over an open, migrated database.
func New(cfg *am.Config, database *sql.DB, opts Options, log *zap.SugaredLogger) (*Agent, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	id := uuid.NewString()
	log = log.With("agent_id", id[:8])

	drivers, err := payload.NewDrivers(cfg.Drivers)
	if err != nil {
		return nil, errors.Wrap(err, "invalid driver configuration")
	}

	mailer, err := notify.NewMailer(cfg.Mail, log)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mail configuration")
	}

	script, err := payload.NewScriptHandler(cfg.Script.Shell, cfg.Script.Dir, log)
	if err != nil {
		return nil, errors.Wrap(err, "invalid script configuration")
	}
	registry := payload.NewRegistry()
	registry.Register(script)
	registry.Register(payload.NewQueryHandler(drivers, cfg.Report.Root, mailer, log))

	store := jobs.NewStore(database)

	executor := async.NewExecutor(store, registry, clk, async.Config{
		Workers:      cfg.Agent.Workers,
		RetryWorkers: cfg.Agent.RetryWorkers,
		MaxRetries:   cfg.Agent.MaxRetries,
		PollInterval: cfg.Agent.ExecutorInterval,
		HistorySize:  cfg.Agent.HistorySize,
		StopTimeout:  cfg.Agent.StopTimeout,
	}, log)
	executor.SetNotifier(mailer)

	ticker := schedule.NewTicker(store, executor, clk, schedule.TickerConfig{
		Interval: cfg.Agent.SchedulerInterval,
	}, log)

	a := &Agent{
		ID:       id,
		cfg:      cfg,
		store:    store,
		drivers:  drivers,
		mailer:   mailer,
		registry: registry,
		executor: executor,
		ticker:   ticker,
		logger:   log.Named("agent"),
	}

	if cfg.Server.Enabled && !opts.NoServer {
		a.server = server.New(store, executor, ticker, clk, log)
		executor.SetBroadcaster(a.server.Hub())
	}
	return a, nil
}

// Store returns the job store
func (a *Agent) Store() *jobs.SQLStore {
	return a.store
}

// Executor returns the run executor
func (a *Agent) Executor() *async.Executor {
	return a.executor
}

// Server returns the status server, or nil when disabled
func (a *Agent) Server() *server.Server {
	return a.server
}

// SyncDefinitions loads every configured definition file into the store.
// Remote sources are fetched into the cache directory first.
func (a *Agent) SyncDefinitions(ctx context.Context) error {
	for _, src := range a.cfg.Definitions.Paths {
		path, err := jobs.FetchDefinitions(ctx, src, a.cfg.Definitions.CacheDir, a.logger)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch definitions from %s", src)
		}
		if err := a.syncFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) syncFile(ctx context.Context, path string) error {
	file, err := jobs.LoadDefinitions(path)
	if err != nil {
		return err
	}
	if err := file.CheckCompatible(version.Version); err != nil {
		return errors.Wrapf(err, "definitions %s", path)
	}
	result, err := jobs.Sync(ctx, a.store, file)
	if err != nil {
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	a.logger.Infow("Definitions synced",
		"file", path,
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
	)
	return nil
}

// watchDefinitions resyncs local definition files when they change.
// Remote sources are only fetched at startup.
func (a *Agent) watchDefinitions() error {
	for _, src := range a.cfg.Definitions.Paths {
		if !isLocal(src) {
			continue
		}
		w, err := jobs.NewDefinitionWatcher(src, func(path string) error {
			return a.syncFile(context.Background(), path)
		}, a.logger)
		if err != nil {
			return err
		}
		w.Start()
		a.mu.Lock()
		a.watchers = append(a.watchers, w)
		a.mu.Unlock()
	}
	return nil
}

func isLocal(src string) bool {
	if filepath.IsAbs(src) {
		return true
	}
	_, err := os.Stat(src)
	return err == nil
}

// Start syncs definitions, then starts the executor, the scheduler, the
// status server and the definition watchers.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.SyncDefinitions(ctx); err != nil {
		return err
	}

	a.executor.Start()
	a.ticker.Start()

	if a.server != nil {
		if err := a.server.Start(a.cfg.GetServerAddress()); err != nil {
			a.ticker.Stop()
			a.executor.Stop()
			return err
		}
	}

	if a.cfg.Definitions.Watch {
		if err := a.watchDefinitions(); err != nil {
			a.logger.Warnw("Definition watching disabled", "error", err.Error())
		}
	}

	a.logger.Infow("Agent started",
		"version", version.Get().Version,
		"job_types", a.registry.Types(),
		"drivers", a.drivers.Names(),
		"mail", a.mailer.Enabled(),
		"server", a.server != nil,
	)
	return nil
}

// Stop shuts components down in reverse dependency order: nothing new is
// scheduled, running payloads get the stop timeout, then clients disconnect.
func (a *Agent) Stop() {
	a.mu.Lock()
	watchers := a.watchers
	a.watchers = nil
	a.mu.Unlock()
	for _, w := range watchers {
		if err := w.Stop(); err != nil {
			a.logger.Debugw("Failed to stop definition watcher", "error", err.Error())
		}
	}

	a.ticker.Stop()
	a.executor.Stop()

	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.logger.Warnw("Status server shutdown failed", "error", err.Error())
		}
	}
	if err := a.drivers.Close(); err != nil {
		a.logger.Warnw("Failed to close query drivers", "error", err.Error())
	}
	a.logger.Infow("Agent stopped")
}
