package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/async"
	"github.com/teranos/chronos/pulse/cron"
	"github.com/teranos/chronos/pulse/jobs"
	"github.com/teranos/chronos/version"
)

// DefaultRunsLimit applies when /api/runs has no limit parameter
const DefaultRunsLimit = 100

// JobView is a spec with its next fire time.
type JobView struct {
	*jobs.Spec
	NextRun *time.Time `json:"next_run,omitempty"`
}

// StatsResponse is the /api/stats payload
type StatsResponse struct {
	Scheduler map[string]interface{} `json:"scheduler"`
	Executor  async.SystemMetrics    `json:"executor"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	s.respond(w, map[string]string{
		"status":  "ok",
		"version": info.Version,
		"commit":  info.Short(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.jobs.ListSpecs(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	now := s.clock.Now()
	views := make([]JobView, 0, len(specs))
	for _, spec := range specs {
		views = append(views, s.jobView(spec, now))
	}
	s.respond(w, views)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, r, errors.NewInvalidRequestError("job id %q is not a number", chi.URLParam(r, "id")))
		return
	}
	spec, err := s.jobs.GetSpec(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, s.jobView(spec, s.clock.Now()))
}

func (s *Server) jobView(spec *jobs.Spec, now time.Time) JobView {
	view := JobView{Spec: spec}
	if !spec.Enabled || !spec.IsScheduled() {
		return view
	}
	next, err := cron.Next(spec.Schedule, now)
	if err != nil {
		s.logger.Debugw("No next run", "job_id", spec.ID, "error", err.Error())
		return view
	}
	view.NextRun = &next
	return view
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.jobs.Queue(r.Context(), nil)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if queue == nil {
		queue = []*jobs.PlannedJob{}
	}
	s.respond(w, queue)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	view, err := async.ParseView(q.Get("view"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var jobID *int64
	if raw := q.Get("job"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondError(w, r, errors.NewInvalidRequestError("job %q is not a number", raw))
			return
		}
		jobID = &id
	}

	limit := DefaultRunsLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondError(w, r, errors.NewInvalidRequestError("limit %q is not a non-negative number", raw))
			return
		}
		limit = n
	}

	runs := s.runs.Runs(view, jobID, limit)
	if runs == nil {
		runs = []jobs.Run{}
	}
	s.respond(w, runs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, StatsResponse{
		Scheduler: s.scheduler.GetStats(),
		Executor:  s.runs.Metrics(),
	})
}
