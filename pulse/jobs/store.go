package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/chronos/db"
	"github.com/teranos/chronos/errors"
)

// Store is the persistence the scheduler and executor depend on.
type Store interface {
	ListEnabledSpecs(ctx context.Context) ([]*Spec, error)
	GetSpec(ctx context.Context, id int64) (*Spec, error)
	ListChildren(ctx context.Context, parentID int64) ([]*Spec, error)

	// Queue returns pending instances in insertion order, optionally for one job.
	Queue(ctx context.Context, jobID *int64) ([]*PlannedJob, error)
	// Enqueue fails with ErrConflict when the job already has a pending instance.
	Enqueue(ctx context.Context, p *PlannedJob) error
	Dequeue(ctx context.Context, jobID int64) error
	// Claim removes p from the queue and records run in one transaction.
	Claim(ctx context.Context, p *PlannedJob, run *Run) error

	RecordRun(ctx context.Context, run *Run) error
	// Runs returns the most recent runs first; limit <= 0 means all.
	Runs(ctx context.Context, jobID *int64, limit int) ([]*Run, error)
}

// SQLStore implements Store on the SQLite schema in db/sqlite/migrations.
type SQLStore struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const specColumns = `id, name, description, type, driver, code, result_query, schedule,
	enabled, parent_id, max_retries, result_emails, status_emails, created_at, updated_at`

// CreateSpec validates and inserts spec, setting its ID and timestamps.
func (s *SQLStore) CreateSpec(ctx context.Context, spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := s.checkParentChain(ctx, spec); err != nil {
		return err
	}

	now := time.Now().UTC()
	resultEmails, statusEmails, err := encodeEmails(spec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_specs (
			name, description, type, driver, code, result_query, schedule,
			enabled, parent_id, max_retries, result_emails, status_emails,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.Name, spec.Description, string(spec.Type), spec.Driver, spec.Code,
		spec.ResultQuery, spec.Schedule, spec.Enabled, nullableInt64(spec.ParentID),
		nullableInt(spec.MaxRetries), resultEmails, statusEmails,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "job %q already exists", spec.Name)
		}
		return errors.Wrap(err, "failed to create job spec")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read job spec id")
	}
	spec.ID = id
	spec.CreatedAt = now
	spec.UpdatedAt = now
	return nil
}

// UpdateSpec replaces every user-editable field of an existing spec.
func (s *SQLStore) UpdateSpec(ctx context.Context, spec *Spec) error {
	if spec.ID == 0 {
		return errors.NewInvalidRequestError("job %q has no id", spec.Name)
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := s.checkParentChain(ctx, spec); err != nil {
		return err
	}

	now := time.Now().UTC()
	resultEmails, statusEmails, err := encodeEmails(spec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_specs SET
			name = ?, description = ?, type = ?, driver = ?, code = ?,
			result_query = ?, schedule = ?, enabled = ?, parent_id = ?,
			max_retries = ?, result_emails = ?, status_emails = ?, updated_at = ?
		WHERE id = ?`,
		spec.Name, spec.Description, string(spec.Type), spec.Driver, spec.Code,
		spec.ResultQuery, spec.Schedule, spec.Enabled, nullableInt64(spec.ParentID),
		nullableInt(spec.MaxRetries), resultEmails, statusEmails, formatTime(now),
		spec.ID,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "job %q already exists", spec.Name)
		}
		return errors.Wrap(err, "failed to update job spec")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %d", spec.ID)
	}
	spec.UpdatedAt = now
	return nil
}

// DeleteSpec removes a spec and its pending instance. Children become roots.
func (s *SQLStore) DeleteSpec(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_specs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job spec")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %d", id)
	}
	return nil
}

// checkParentChain walks up from spec's parent and rejects unknown parents
// and chains that lead back to spec.
func (s *SQLStore) checkParentChain(ctx context.Context, spec *Spec) error {
	seen := map[int64]bool{}
	if spec.ID != 0 {
		seen[spec.ID] = true
	}

	next := spec.ParentID
	for next != nil {
		if seen[*next] {
			return errors.WithDetail(
				errors.Wrapf(errors.ErrDependencyCycle, "job %q", spec.Name),
				fmt.Sprintf("Parent chain revisits job %d", *next))
		}
		seen[*next] = true

		var parent sql.NullInt64
		err := s.db.QueryRowContext(ctx, `SELECT parent_id FROM job_specs WHERE id = ?`, *next).Scan(&parent)
		if err == sql.ErrNoRows {
			return errors.NewNotFoundError("parent job %d of %q", *next, spec.Name)
		}
		if err != nil {
			return errors.Wrap(err, "failed to resolve parent chain")
		}
		if !parent.Valid {
			return nil
		}
		id := parent.Int64
		next = &id
	}
	return nil
}

// GetSpec retrieves a spec by ID
func (s *SQLStore) GetSpec(ctx context.Context, id int64) (*Spec, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+specColumns+` FROM job_specs WHERE id = ?`, id)
	spec, err := scanSpec(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %d", id)
	}
	return spec, nil
}

// GetSpecByName retrieves a spec by its unique name
func (s *SQLStore) GetSpecByName(ctx context.Context, name string) (*Spec, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+specColumns+` FROM job_specs WHERE name = ?`, name)
	spec, err := scanSpec(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %q", name)
	}
	return spec, nil
}

// ListSpecs returns every spec ordered by ID.
func (s *SQLStore) ListSpecs(ctx context.Context) ([]*Spec, error) {
	return s.querySpecs(ctx, `SELECT `+specColumns+` FROM job_specs ORDER BY id`)
}

// ListEnabledSpecs returns enabled specs ordered by ID.
func (s *SQLStore) ListEnabledSpecs(ctx context.Context) ([]*Spec, error) {
	return s.querySpecs(ctx, `SELECT `+specColumns+` FROM job_specs WHERE enabled = 1 ORDER BY id`)
}

// ListChildren returns the specs whose parent is parentID.
func (s *SQLStore) ListChildren(ctx context.Context, parentID int64) ([]*Spec, error) {
	return s.querySpecs(ctx, `SELECT `+specColumns+` FROM job_specs WHERE parent_id = ? ORDER BY id`, parentID)
}

func (s *SQLStore) querySpecs(ctx context.Context, query string, args ...interface{}) ([]*Spec, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job specs")
	}
	defer rows.Close()

	var specs []*Spec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job spec")
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job specs")
	}
	return specs, nil
}

// Queue returns pending instances in insertion order.
func (s *SQLStore) Queue(ctx context.Context, jobID *int64) ([]*PlannedJob, error) {
	query := `SELECT seq, job_id, scheduled_time, enqueued_at FROM planned_jobs`
	var args []interface{}
	if jobID != nil {
		query += ` WHERE job_id = ?`
		args = append(args, *jobID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue")
	}
	defer rows.Close()

	var queue []*PlannedJob
	for rows.Next() {
		var p PlannedJob
		var scheduled, enqueued string
		if err := rows.Scan(&p.Seq, &p.JobID, &scheduled, &enqueued); err != nil {
			return nil, errors.Wrap(err, "failed to scan planned job")
		}
		if p.ScheduledTime, err = parseTime(scheduled); err != nil {
			return nil, errors.Wrapf(err, "planned job %d scheduled_time", p.Seq)
		}
		if p.EnqueuedAt, err = parseTime(enqueued); err != nil {
			return nil, errors.Wrapf(err, "planned job %d enqueued_at", p.Seq)
		}
		queue = append(queue, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate queue")
	}
	return queue, nil
}

// Enqueue appends p to the queue and sets its Seq.
func (s *SQLStore) Enqueue(ctx context.Context, p *PlannedJob) error {
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO planned_jobs (job_id, scheduled_time, enqueued_at) VALUES (?, ?, ?)`,
		p.JobID, formatTime(p.ScheduledTime), formatTime(p.EnqueuedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "job %d already has a pending instance", p.JobID)
		}
		return errors.WithDetail(errors.Wrap(err, "failed to enqueue planned job"),
			fmt.Sprintf("Job ID: %d", p.JobID))
	}
	if p.Seq, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "failed to read planned job seq")
	}
	return nil
}

// Dequeue removes the pending instance of jobID, if any.
func (s *SQLStore) Dequeue(ctx context.Context, jobID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM planned_jobs WHERE job_id = ?`, jobID); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to dequeue planned job"),
			fmt.Sprintf("Job ID: %d", jobID))
	}
	return nil
}

// Claim removes p from the queue and records run atomically. It fails with
// ErrNotFound if p is no longer queued.
func (s *SQLStore) Claim(ctx context.Context, p *PlannedJob, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin claim")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM planned_jobs WHERE seq = ?`, p.Seq)
	if err != nil {
		return errors.Wrap(err, "failed to remove planned job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("planned job %d for job %d", p.Seq, p.JobID)
	}

	if err := upsertRun(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit claim")
	}
	return nil
}

// RecordRun inserts run or overwrites the stored copy with the same ID.
func (s *SQLStore) RecordRun(ctx context.Context, run *Run) error {
	return upsertRun(ctx, s.db, run)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertRun(ctx context.Context, e execer, run *Run) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO job_runs (
			id, job_id, job_name, scheduled_time, attempt, status,
			start_time, finish_time, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			start_time = excluded.start_time,
			finish_time = excluded.finish_time,
			error_message = excluded.error_message`,
		run.ID, run.JobID, run.JobName, formatTime(run.ScheduledTime), run.Attempt,
		string(run.Status), nullableTime(run.StartTime), nullableTime(run.FinishTime),
		nullableString(run.ErrorMessage),
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to record run"),
			fmt.Sprintf("Run ID: %d, Job ID: %d", run.ID, run.JobID))
	}
	return nil
}

// Runs returns runs most recent first.
func (s *SQLStore) Runs(ctx context.Context, jobID *int64, limit int) ([]*Run, error) {
	query := `SELECT id, job_id, job_name, scheduled_time, attempt, status,
		start_time, finish_time, error_message FROM job_runs`
	var args []interface{}
	if jobID != nil {
		query += ` WHERE job_id = ?`
		args = append(args, *jobID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	return runs, nil
}

// MaxRunID returns the highest recorded run ID, or 0.
func (s *SQLStore) MaxRunID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM job_runs`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "failed to read max run id")
	}
	return id.Int64, nil
}

// LatestRuns returns the most recent run of every job, oldest first.
func (s *SQLStore) LatestRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, job_name, scheduled_time, attempt, status,
			start_time, finish_time, error_message
		FROM job_runs r
		WHERE id = (SELECT MAX(id) FROM job_runs WHERE job_id = r.job_id)
		ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list latest runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate latest runs")
	}
	return runs, nil
}

// FailStaleRuns marks every run still recorded as running as failed with
// message. Used at startup: no worker survives a restart.
func (s *SQLStore) FailStaleRuns(ctx context.Context, message string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, finish_time = ?, error_message = ?
		WHERE status IN (?, ?)`,
		string(StatusFailed), formatTime(at), message,
		string(StatusRunning), string(StatusPending))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reconcile stale runs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSpec(row scanner) (*Spec, error) {
	var spec Spec
	var typ, resultEmails, statusEmails, createdAt, updatedAt string
	var parentID sql.NullInt64
	var maxRetries sql.NullInt64

	err := row.Scan(
		&spec.ID, &spec.Name, &spec.Description, &typ, &spec.Driver, &spec.Code,
		&spec.ResultQuery, &spec.Schedule, &spec.Enabled, &parentID, &maxRetries,
		&resultEmails, &statusEmails, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	spec.Type = Type(typ)
	if parentID.Valid {
		id := parentID.Int64
		spec.ParentID = &id
	}
	if maxRetries.Valid {
		n := int(maxRetries.Int64)
		spec.MaxRetries = &n
	}
	if err := json.Unmarshal([]byte(resultEmails), &spec.ResultEmails); err != nil {
		return nil, errors.Wrapf(err, "job %d result_emails", spec.ID)
	}
	if err := json.Unmarshal([]byte(statusEmails), &spec.StatusEmails); err != nil {
		return nil, errors.Wrapf(err, "job %d status_emails", spec.ID)
	}
	if spec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "job %d created_at", spec.ID)
	}
	if spec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "job %d updated_at", spec.ID)
	}
	return &spec, nil
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var status, scheduled string
	var start, finish, message sql.NullString

	if err := row.Scan(&run.ID, &run.JobID, &run.JobName, &scheduled, &run.Attempt,
		&status, &start, &finish, &message); err != nil {
		return nil, errors.Wrap(err, "failed to scan run")
	}

	var err error
	run.Status = Status(status)
	if run.ScheduledTime, err = parseTime(scheduled); err != nil {
		return nil, errors.Wrapf(err, "run %d scheduled_time", run.ID)
	}
	if start.Valid {
		t, err := parseTime(start.String)
		if err != nil {
			return nil, errors.Wrapf(err, "run %d start_time", run.ID)
		}
		run.StartTime = &t
	}
	if finish.Valid {
		t, err := parseTime(finish.String)
		if err != nil {
			return nil, errors.Wrapf(err, "run %d finish_time", run.ID)
		}
		run.FinishTime = &t
	}
	if message.Valid {
		m := message.String
		run.ErrorMessage = &m
	}
	return &run, nil
}

func encodeEmails(spec *Spec) (string, string, error) {
	result, err := json.Marshal(emptyIfNil(spec.ResultEmails))
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode result_emails")
	}
	status, err := json.Marshal(emptyIfNil(spec.StatusEmails))
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode status_emails")
	}
	return string(result), string(status), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt64(n *int64) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

func nullableInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
