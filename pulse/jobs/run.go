package jobs

import "time"

// Status is the lifecycle state of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Run is one execution attempt of a PlannedJob.
type Run struct {
	ID            int64      `json:"id"`
	JobID         int64      `json:"job_id"`
	JobName       string     `json:"job_name"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Attempt       int        `json:"attempt"`
	Status        Status     `json:"status"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	FinishTime    *time.Time `json:"finish_time,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
}

// Duration returns finish minus start, or zero while either is unset.
func (r *Run) Duration() time.Duration {
	if r.StartTime == nil || r.FinishTime == nil {
		return 0
	}
	return r.FinishTime.Sub(*r.StartTime)
}
