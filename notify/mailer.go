// Package notify delivers job results and failure reports by mail.
package notify

import (
	"bytes"
	"context"
	"fmt"
	netmail "net/mail"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
	"github.com/teranos/chronos/pulse/jobs"
	"github.com/teranos/chronos/pulse/payload"
)

// TypeTSV is the content type of result attachments.
const TypeTSV mail.ContentType = "text/tab-separated-values"

// Config describes the SMTP relay. An empty Host disables mail.
type Config struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	From               string `mapstructure:"from"`
	SendFailureReports bool   `mapstructure:"send_failure_reports"`
	MaxPerMinute       int    `mapstructure:"max_per_minute"`
}

// Sender delivers built messages. *mail.Client implements it.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer sends result and failure mails through one SMTP relay.
type Mailer struct {
	cfg      Config
	sender   Sender
	limiter  *rate.Limiter
	hostname string
	logger   *zap.SugaredLogger
}

// NewMailer creates a mailer. MaxPerMinute <= 0 means unlimited. With no
// host configured the mailer is disabled and never dials.
func NewMailer(cfg Config, log *zap.SugaredLogger) (*Mailer, error) {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	limit := rate.Inf
	if cfg.MaxPerMinute > 0 {
		limit = rate.Limit(float64(cfg.MaxPerMinute) / 60.0)
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	m := &Mailer{
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		hostname: hostname,
		logger:   log.Named("mail"),
	}
	if cfg.Host == "" {
		return m, nil
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid SMTP relay %s:%d", cfg.Host, cfg.Port)
	}
	m.sender = client
	return m, nil
}

// SetSender replaces the SMTP transport.
func (m *Mailer) SetSender(s Sender) {
	m.sender = s
}

// Enabled reports whether a relay is configured.
func (m *Mailer) Enabled() bool {
	return m.cfg.Host != ""
}

// SendResult mails a query report to the job's result recipients.
func (m *Mailer) SendResult(ctx context.Context, spec *jobs.Spec, result payload.Result) error {
	if !m.Enabled() || len(spec.ResultEmails) == 0 {
		return nil
	}
	msg, err := m.message("Chronos "+spec.Name, spec.ResultEmails)
	if err != nil {
		return err
	}

	msg.SetBodyString(mail.TypeTextHTML, result.Body)
	if err := msg.AttachReader(result.AttachmentName, bytes.NewReader(result.Attachment),
		mail.WithFileContentType(TypeTSV)); err != nil {
		return errors.Wrap(err, "failed to attach result")
	}
	return m.deliver(ctx, spec, msg)
}

// SendFailure mails the job's status recipients about a run that failed
// its last attempt. It is a no-op unless failure reports are enabled.
func (m *Mailer) SendFailure(ctx context.Context, spec *jobs.Spec, run jobs.Run) error {
	if !m.Enabled() || !m.cfg.SendFailureReports || len(spec.StatusEmails) == 0 {
		return nil
	}
	msg, err := m.message("Chronos "+spec.Name+" failed", spec.StatusEmails)
	if err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Job: %s (id %d)\n", spec.Name, spec.ID)
	fmt.Fprintf(&body, "Run: %d, attempt %d\n", run.ID, run.Attempt)
	fmt.Fprintf(&body, "Scheduled: %s\n", run.ScheduledTime.UTC().Format(time.RFC3339))
	if run.StartTime != nil {
		fmt.Fprintf(&body, "Started: %s\n", run.StartTime.UTC().Format(time.RFC3339))
	}
	if run.FinishTime != nil {
		fmt.Fprintf(&body, "Finished: %s\n", run.FinishTime.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&body, "Host: %s\n\n", m.hostname)
	if run.ErrorMessage != nil {
		body.WriteString(*run.ErrorMessage)
	}

	msg.SetBodyString(mail.TypeTextPlain, body.String())
	return m.deliver(ctx, spec, msg)
}

func (m *Mailer) message(subject string, entries []string) (*mail.Msg, error) {
	to, err := recipients(entries)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, errors.NewInvalidRequestError("invalid sender %q: %v", m.cfg.From, err)
	}
	if err := msg.To(to...); err != nil {
		return nil, errors.NewInvalidRequestError("invalid recipients %v: %v", to, err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetMessageIDWithValue(uuid.NewString() + "@" + m.hostname)
	return msg, nil
}

func (m *Mailer) deliver(ctx context.Context, spec *jobs.Spec, msg *mail.Msg) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "mail rate limit")
	}

	if err := m.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to send mail"),
			"SMTP: %s:%d", m.cfg.Host, m.cfg.Port)
	}

	to, _ := msg.GetRecipients()
	m.logger.Infow("Mail sent",
		logger.FieldJobName, spec.Name,
		"to", to)
	return nil
}

// recipients flattens entries that may each hold a comma separated list.
func recipients(entries []string) ([]string, error) {
	var out []string
	for _, entry := range entries {
		list, err := netmail.ParseAddressList(entry)
		if err != nil {
			return nil, errors.NewInvalidRequestError("invalid recipient %q: %v", entry, err)
		}
		for _, a := range list {
			out = append(out, a.Address)
		}
	}
	return out, nil
}
