// Package server exposes the agent's read-only status API and a WebSocket
// stream of run lifecycle events.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/async"
	"github.com/teranos/chronos/pulse/clock"
	"github.com/teranos/chronos/pulse/jobs"
)

// ShutdownTimeout bounds graceful HTTP shutdown
const ShutdownTimeout = 5 * time.Second

// JobReader is the slice of the job store the status API reads.
type JobReader interface {
	ListSpecs(ctx context.Context) ([]*jobs.Spec, error)
	GetSpec(ctx context.Context, id int64) (*jobs.Spec, error)
	Queue(ctx context.Context, jobID *int64) ([]*jobs.PlannedJob, error)
}

// RunReader is implemented by *async.Executor
type RunReader interface {
	Runs(view async.View, jobID *int64, limit int) []jobs.Run
	Metrics() async.SystemMetrics
}

// StatsProvider is implemented by *schedule.Ticker
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Server serves the status API.
type Server struct {
	jobs      JobReader
	runs      RunReader
	scheduler StatsProvider
	hub       *Hub
	clock     clock.Clock
	router    chi.Router
	logger    *zap.SugaredLogger

	httpServer *http.Server
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New wires the router. The hub is created here and should be handed to the
// executor as its broadcaster.
func New(store JobReader, runs RunReader, scheduler StatsProvider, clk clock.Clock, log *zap.SugaredLogger) *Server {
	log = log.Named("server")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobs:      store,
		runs:      runs,
		scheduler: scheduler,
		hub:       NewHub(log.Named("ws")),
		clock:     clk,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.router = s.routes()
	return s
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{id}", s.handleJob)
		r.Get("/queue", s.handleQueue)
		r.Get("/runs", s.handleRuns)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Start binds addr and serves in the background. The hub starts with it.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server failed", "error", err.Error())
		}
	}()

	s.logger.Infow("Status server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down and disconnects WebSocket clients.
func (s *Server) Stop() error {
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Status server stopped", "broadcast_drops", s.hub.Drops())
	return err
}
