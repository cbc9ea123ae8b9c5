package payload

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
	"github.com/teranos/chronos/pulse/jobs"
)

// Result is a finished report ready to mail.
type Result struct {
	Body           string // HTML
	AttachmentName string
	Attachment     []byte // TSV
}

// ResultMailer delivers query reports to a job's result recipients.
type ResultMailer interface {
	SendResult(ctx context.Context, spec *jobs.Spec, result Result) error
}

// SplitStatements cuts code on ';', flattens line breaks to spaces and
// drops blank statements.
func SplitStatements(code string) []string {
	var out []string
	for _, part := range strings.Split(code, ";") {
		clean := strings.NewReplacer("\n", " ", "\r", " ").Replace(part)
		if strings.TrimSpace(clean) == "" {
			continue
		}
		out = append(out, clean)
	}
	return out
}

// QueryHandler runs query jobs against named drivers.
type QueryHandler struct {
	drivers    *Drivers
	reportRoot string // empty disables local reports
	mailer     ResultMailer
	logger     *zap.SugaredLogger
}

// NewQueryHandler creates a query handler. mailer may be nil.
func NewQueryHandler(drivers *Drivers, reportRoot string, mailer ResultMailer, log *zap.SugaredLogger) *QueryHandler {
	return &QueryHandler{
		drivers:    drivers,
		reportRoot: reportRoot,
		mailer:     mailer,
		logger:     log.Named("query"),
	}
}

// Type implements Handler.
func (h *QueryHandler) Type() jobs.Type {
	return jobs.TypeQuery
}

// Run executes the statements in order on one connection, stopping at the
// first failure. With a result query it then writes and mails the report;
// report errors fail the run.
func (h *QueryHandler) Run(ctx context.Context, spec *jobs.Spec, scheduledTime time.Time) error {
	pool, err := h.drivers.Open(spec.Driver)
	if err != nil {
		return err
	}
	conn, err := pool.Conn(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", spec.Driver)
	}
	defer conn.Close()

	log := logger.LoggerFromContext(ctx, h.logger).With(logger.FieldJobName, spec.Name)

	statements := SplitStatements(ReplaceDateTokens(spec.Code, scheduledTime))
	for i, stmt := range statements {
		log.Debugw("Executing statement", "step", i+1, "query", stmt)
		res, err := conn.ExecContext(ctx, stmt)
		if err != nil {
			return errors.WithDetailf(errors.Wrapf(err, "statement %d failed", i+1), "Query: %s", stmt)
		}
		if n, err := res.RowsAffected(); err == nil {
			log.Debugw("Statement done", "step", i+1, "rows_affected", n)
		}
	}

	if strings.TrimSpace(spec.ResultQuery) == "" {
		return nil
	}

	query := ReplaceDateTokens(spec.ResultQuery, scheduledTime)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "result query failed")
	}
	rs, err := ReadResultSet(rows)
	rows.Close()
	if err != nil {
		return err
	}
	log.Infow("Result query done", logger.FieldCount, len(rs.Rows))

	if h.reportRoot != "" {
		path, err := WriteReport(h.reportRoot, spec.ID, scheduledTime, rs)
		if err != nil {
			return err
		}
		log.Infow("Report written", logger.FieldPath, path)
	}

	if h.mailer != nil && len(spec.ResultEmails) > 0 {
		result := Result{
			Body:           MessageContent(rs, query),
			AttachmentName: AttachmentName(spec.Name, scheduledTime),
			Attachment:     []byte(AttachmentText(rs)),
		}
		if err := h.mailer.SendResult(ctx, spec, result); err != nil {
			return errors.Wrap(err, "failed to mail result")
		}
	}
	return nil
}
