// Package jobs holds job specifications, the pending queue and run history,
// along with their SQLite persistence.
package jobs

import (
	"strings"
	"time"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/cron"
)

// Type selects the payload handler for a job
type Type string

const (
	TypeQuery  Type = "query"  // ";"-separated SQL statements against a configured driver
	TypeScript Type = "script" // shell script run by the configured shell
)

// IsValidType checks if a string is a known job type
func IsValidType(t string) bool {
	switch Type(t) {
	case TypeQuery, TypeScript:
		return true
	}
	return false
}

// Spec is a user-authored job definition.
type Spec struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Type         Type      `json:"type"`
	Driver       string    `json:"driver,omitempty"`
	Code         string    `json:"code"`
	ResultQuery  string    `json:"result_query,omitempty"`
	Schedule     string    `json:"schedule,omitempty"` // empty: only runs after its parent succeeds
	Enabled      bool      `json:"enabled"`
	ParentID     *int64    `json:"parent_id,omitempty"`
	MaxRetries   *int      `json:"max_retries,omitempty"` // nil: agent default
	ResultEmails []string  `json:"result_emails,omitempty"`
	StatusEmails []string  `json:"status_emails,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsScheduled reports whether the spec is driven by its own cron schedule.
func (s *Spec) IsScheduled() bool {
	return strings.TrimSpace(s.Schedule) != ""
}

// RetryLimit returns the spec's retry override, or def.
func (s *Spec) RetryLimit(def int) int {
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return def
}

// Validate checks the fields that do not need the store.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.NewInvalidRequestError("job name is required")
	}
	if !IsValidType(string(s.Type)) {
		return errors.NewInvalidRequestError("job %q: unknown type %q", s.Name, s.Type)
	}
	if s.Type == TypeQuery && s.Driver == "" {
		return errors.NewInvalidRequestError("job %q: query jobs need a driver", s.Name)
	}
	if strings.TrimSpace(s.Code) == "" {
		return errors.NewInvalidRequestError("job %q: code is required", s.Name)
	}
	if s.IsScheduled() {
		if err := cron.Validate(s.Schedule); err != nil {
			return errors.Wrapf(err, "job %q", s.Name)
		}
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return errors.NewInvalidRequestError("job %q: max_retries must be >= 0", s.Name)
	}
	if s.ParentID != nil && s.ID != 0 && *s.ParentID == s.ID {
		return errors.Wrapf(errors.ErrDependencyCycle, "job %q is its own parent", s.Name)
	}
	return nil
}

// PlannedJob is one due instance of a Spec waiting in the pending queue.
type PlannedJob struct {
	Seq           int64     `json:"seq"` // insertion order
	JobID         int64     `json:"job_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
