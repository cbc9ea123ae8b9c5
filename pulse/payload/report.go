package payload

import (
	"bufio"
	"database/sql"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/chronos/errors"
)

// MaxRowsInBody caps the HTML table in result mails. The attachment
// always carries every row.
const MaxRowsInBody = 500

// NullText stands in for SQL NULL in reports.
const NullText = "NULL"

// ResultSet is a fully read query result.
type ResultSet struct {
	Columns []string
	Types   []string
	Rows    [][]interface{}
}

// ReadResultSet drains rows.
func ReadResultSet(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read result columns")
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read result column types")
	}

	rs := &ResultSet{Columns: cols, Types: make([]string, len(types))}
	for i, ct := range types {
		rs.Types[i] = ct.DatabaseTypeName()
	}

	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "failed to scan result row")
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate result rows")
	}
	return rs, nil
}

func cellText(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return NullText
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// WriteTSV writes the report layout: every header and every cell is
// followed by a tab, and every line ends in a newline.
func WriteTSV(w io.Writer, rs *ResultSet) error {
	bw := bufio.NewWriter(w)
	for _, col := range rs.Columns {
		bw.WriteString(col)
		bw.WriteByte('\t')
	}
	bw.WriteByte('\n')
	for _, row := range rs.Rows {
		for _, v := range row {
			bw.WriteString(cellText(v))
			bw.WriteByte('\t')
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReportPath is where the report of one scheduled run is kept:
// <root>/<job id>/<yyyyMMddHH>.tsv
func ReportPath(root string, jobID int64, scheduled time.Time) string {
	return filepath.Join(root, strconv.FormatInt(jobID, 10), FormatDate("yyyyMMddHH", scheduled.UTC())+".tsv")
}

// WriteReport writes rs under root and returns the file path.
func WriteReport(root string, jobID int64, scheduled time.Time, rs *ResultSet) (string, error) {
	path := ReportPath(root, jobID, scheduled)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create report dir for job %d", jobID)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create report %s", path)
	}
	if err := WriteTSV(f, rs); err != nil {
		f.Close()
		return "", errors.Wrapf(err, "failed to write report %s", path)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close report %s", path)
	}
	return path, nil
}

// MessageContent is the HTML body of a result mail: the first
// MaxRowsInBody rows as a table, then the query that produced them.
func MessageContent(rs *ResultSet, query string) string {
	var b strings.Builder
	b.WriteString("<br>")
	b.WriteString("<table border='1' cellspacing='0' cellpadding='2' align='center' style='width:100%'>\n")
	b.WriteString("<tr>\n")
	for _, col := range rs.Columns {
		b.WriteString("<th style='padding: 5px'>")
		b.WriteString(html.EscapeString(col))
		b.WriteString("</th>\n")
	}
	b.WriteString("</tr>\n")
	for i, row := range rs.Rows {
		if i == MaxRowsInBody {
			break
		}
		b.WriteString("<tr>\n")
		for _, v := range row {
			b.WriteString("<td style='padding: 5px'>")
			b.WriteString(html.EscapeString(cellText(v)))
			b.WriteString("</td>\n")
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>\n")
	b.WriteString("<br>")
	b.WriteString("<pre> Query: " + html.EscapeString(query) + "</pre>")
	b.WriteString("<br>")
	fmt.Fprintf(&b, "Note: For brevity the first %d rows are included in the email body.", MaxRowsInBody)
	return b.String()
}

// AttachmentText is the TSV attached to result mails. Headers read
// "name(type)"; fields are tab separated with no trailing tab.
func AttachmentText(rs *ResultSet) string {
	var b strings.Builder
	for i, col := range rs.Columns {
		if i > 0 {
			b.WriteByte('\t')
		}
		typ := ""
		if i < len(rs.Types) {
			typ = rs.Types[i]
		}
		b.WriteString(col + "(" + typ + ")")
	}
	b.WriteByte('\n')
	for _, row := range rs.Rows {
		for j, v := range row {
			if j > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(cellText(v))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// AttachmentName is "<job name>-<yyMMddHH>.tsv".
func AttachmentName(jobName string, scheduled time.Time) string {
	return fmt.Sprintf("%s-%s.tsv", jobName, FormatDate("yyMMddHH", scheduled.UTC()))
}
