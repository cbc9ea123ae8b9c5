package payload

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/jobs"
)

type capturedMail struct {
	spec   *jobs.Spec
	result Result
}

type fakeMailer struct {
	sent []capturedMail
	err  error
}

func (m *fakeMailer) SendResult(_ context.Context, spec *jobs.Spec, result Result) error {
	m.sent = append(m.sent, capturedMail{spec: spec, result: result})
	return m.err
}

func newWarehouse(t *testing.T) (*Drivers, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "warehouse.db")
	drivers, err := NewDrivers([]DriverConfig{{Name: "warehouse", Driver: "sqlite3", DSN: dsn}})
	require.NoError(t, err)
	t.Cleanup(func() { drivers.Close() })
	return drivers, dsn
}

func TestSplitStatements(t *testing.T) {
	code := "CREATE TABLE t (a INT);\nINSERT INTO t\r\nVALUES (1);\n\n  ;"
	assert.Equal(t, []string{"CREATE TABLE t (a INT)", " INSERT INTO t  VALUES (1)"}, SplitStatements(code))
	assert.Empty(t, SplitStatements(" ; ;\n"))
}

func TestQueryHandler_StatementsAndReport(t *testing.T) {
	drivers, _ := newWarehouse(t)
	root := t.TempDir()
	mailer := &fakeMailer{}
	h := NewQueryHandler(drivers, root, mailer, zap.NewNop().Sugar())
	assert.Equal(t, jobs.TypeQuery, h.Type())

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	spec := &jobs.Spec{
		ID:     42,
		Name:   "Kurt Vonnegut",
		Type:   jobs.TypeQuery,
		Driver: "warehouse",
		Code: `CREATE TABLE daily (day TEXT, hits INTEGER, note TEXT);
			INSERT INTO daily VALUES ('${yyyy-MM-dd-1D}', 3, NULL);
			INSERT INTO daily VALUES ('${yyyy-MM-dd}', 5, 'ok');`,
		ResultQuery:  "SELECT day, hits, note FROM daily ORDER BY day",
		ResultEmails: []string{"ops@example.com"},
	}

	require.NoError(t, h.Run(context.Background(), spec, at))

	data, err := os.ReadFile(filepath.Join(root, "42", "2024030410.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "day\thits\tnote\t\n2024-03-03\t3\tNULL\t\n2024-03-04\t5\tok\t\n", string(data))

	require.Len(t, mailer.sent, 1)
	mail := mailer.sent[0].result
	assert.Equal(t, "Kurt Vonnegut-24030410.tsv", mail.AttachmentName)
	assert.Equal(t, "day(TEXT)\thits(INTEGER)\tnote(TEXT)\n2024-03-03\t3\tNULL\n2024-03-04\t5\tok\n", string(mail.Attachment))
	assert.Contains(t, mail.Body, "<pre> Query: SELECT day, hits, note FROM daily ORDER BY day</pre>")
}

func TestQueryHandler_FailingStatementStops(t *testing.T) {
	drivers, dsn := newWarehouse(t)
	h := NewQueryHandler(drivers, "", nil, zap.NewNop().Sugar())

	spec := &jobs.Spec{
		Name:   "broken",
		Type:   jobs.TypeQuery,
		Driver: "warehouse",
		Code:   "CREATE TABLE t (a INT); INSERT INTO missing VALUES (1); INSERT INTO t VALUES (2)",
	}
	err := h.Run(context.Background(), spec, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 2 failed")
	assert.Contains(t, err.Error(), "no such table: missing")

	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM t").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestQueryHandler_MailErrorFailsRun(t *testing.T) {
	drivers, _ := newWarehouse(t)
	mailer := &fakeMailer{err: errors.New("smtp: 550 mailbox unavailable")}
	h := NewQueryHandler(drivers, "", mailer, zap.NewNop().Sugar())

	spec := &jobs.Spec{
		Name:         "mailed",
		Type:         jobs.TypeQuery,
		Driver:       "warehouse",
		Code:         "SELECT 1",
		ResultQuery:  "SELECT 1 AS one",
		ResultEmails: []string{"ops@example.com"},
	}
	err := h.Run(context.Background(), spec, time.Now())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "failed to mail result"))
}

func TestQueryHandler_NoRecipientsNoMail(t *testing.T) {
	drivers, _ := newWarehouse(t)
	mailer := &fakeMailer{}
	h := NewQueryHandler(drivers, "", mailer, zap.NewNop().Sugar())

	spec := &jobs.Spec{Name: "quiet", Type: jobs.TypeQuery, Driver: "warehouse", Code: "SELECT 1", ResultQuery: "SELECT 1"}
	require.NoError(t, h.Run(context.Background(), spec, time.Now()))
	assert.Empty(t, mailer.sent)
}

func TestQueryHandler_UnknownDriver(t *testing.T) {
	drivers, _ := newWarehouse(t)
	h := NewQueryHandler(drivers, "", nil, zap.NewNop().Sugar())

	err := h.Run(context.Background(), &jobs.Spec{Name: "x", Type: jobs.TypeQuery, Driver: "oracle", Code: "SELECT 1"}, time.Now())
	assert.True(t, errors.IsNotFoundError(err))
}
