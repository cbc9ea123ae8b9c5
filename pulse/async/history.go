package async

import (
	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/jobs"
)

// View selects a subset of the run history.
type View string

const (
	ViewAll       View = "all"
	ViewFailed    View = "failed"
	ViewSucceeded View = "succeeded"
	ViewFinished  View = "finished" // succeeded or failed
)

// ParseView maps a query parameter to a View. Empty means all.
func ParseView(s string) (View, error) {
	switch View(s) {
	case "", ViewAll:
		return ViewAll, nil
	case ViewFailed, ViewSucceeded, ViewFinished:
		return View(s), nil
	}
	return "", errors.NewInvalidRequestError("unknown run view %q (want all, failed, succeeded or finished)", s)
}

// Matches reports whether run belongs to the view.
func (v View) Matches(run *jobs.Run) bool {
	switch v {
	case ViewFailed:
		return run.Status == jobs.StatusFailed
	case ViewSucceeded:
		return run.Status == jobs.StatusSucceeded
	case ViewFinished:
		return run.Status.IsTerminal()
	}
	return true
}

// History keeps the most recent runs, newest first. Once full, adding a
// run evicts the oldest finished one; running entries are never evicted.
//
// History is not safe for concurrent use. The Executor guards it with its
// own mutex because workers mutate the runs it holds.
type History struct {
	capacity int
	runs     []*jobs.Run
}

// NewHistory creates a history bounded to capacity runs.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{capacity: capacity}
}

// Add records run as the most recent entry.
func (h *History) Add(run *jobs.Run) {
	h.runs = append(h.runs, nil)
	copy(h.runs[1:], h.runs)
	h.runs[0] = run

	for len(h.runs) > h.capacity {
		i := len(h.runs) - 1
		for i >= 0 && !h.runs[i].Status.IsTerminal() {
			i--
		}
		if i < 0 {
			return
		}
		h.runs = append(h.runs[:i], h.runs[i+1:]...)
	}
}

// Len returns the number of retained runs.
func (h *History) Len() int {
	return len(h.runs)
}

// Select returns copies of the runs matching view, optionally restricted to
// one job, newest first. limit <= 0 means no limit.
func (h *History) Select(view View, jobID *int64, limit int) []jobs.Run {
	out := make([]jobs.Run, 0)
	for _, run := range h.runs {
		if jobID != nil && run.JobID != *jobID {
			continue
		}
		if !view.Matches(run) {
			continue
		}
		out = append(out, *run)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
