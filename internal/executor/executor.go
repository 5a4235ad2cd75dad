// Package executor runs authorized read-only queries against the warehouse and
// returns their results as text the agent can read.
package executor

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Query is one authorized statement. Schema and Table are the scope the agent
// declared for it.
type Query struct {
	Schema string
	Table  string
	SQL    string
}

// Executor runs a query exactly once.
type Executor interface {
	Execute(ctx context.Context, q Query) (*ResultSet, error)
}

// Config bounds every execution.
type Config struct {
	StatementTimeout time.Duration // 0 = rely on the caller's context
	MaxRows          int           // 0 = unlimited
}

// ResultSet is a fully materialized result with every value rendered as text.
type ResultSet struct {
	Columns   []string
	Rows      [][]string
	Truncated bool // more rows were available than MaxRows
}

// CSV renders the header line followed by one line per row, without a
// trailing newline.
func (r *ResultSet) CSV() (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(r.Columns); err != nil {
		return "", fmt.Errorf("ResultSet.CSV: %w", err)
	}
	if err := w.WriteAll(r.Rows); err != nil {
		return "", fmt.Errorf("ResultSet.CSV: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// formatValue renders a scanned value the way it would appear in a CSV export.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		if len(val) == 16 {
			if id, err := uuid.FromBytes(val); err == nil {
				return id.String()
			}
		}
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.Format(time.RFC3339)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val)
	case driver.Valuer:
		dv, err := val.Value()
		if err != nil {
			return fmt.Sprint(val)
		}
		return formatValue(dv)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func (c Config) limitReached(n int) bool {
	return c.MaxRows > 0 && n >= c.MaxRows
}
