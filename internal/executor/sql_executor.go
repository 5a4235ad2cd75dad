package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLExecutor runs queries through database/sql. It backs the local SQLite
// warehouse and any driver registered with database/sql.
type SQLExecutor struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
}

// NewSQLExecutor creates an executor over db.
func NewSQLExecutor(db *sql.DB, cfg Config, logger *zap.Logger) *SQLExecutor {
	return &SQLExecutor{db: db, cfg: cfg, logger: logger}
}

// OpenSQLite opens a SQLite database and attaches one database file per
// schema so schema-qualified names resolve. Use ":memory:" for throwaway
// schemas. The pool is pinned to one connection because attachments are
// per-connection.
func OpenSQLite(ctx context.Context, dsn string, schemas map[string]string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stmt := "ATTACH DATABASE ? AS " + quoteIdent(name)
		if _, err := db.ExecContext(ctx, stmt, schemas[name]); err != nil {
			db.Close()
			return nil, fmt.Errorf("OpenSQLite: attach %s: %w", name, err)
		}
	}
	return db, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Execute runs q.SQL inside a transaction that is always rolled back.
func (e *SQLExecutor) Execute(ctx context.Context, q Query) (*ResultSet, error) {
	start := time.Now()
	if e.cfg.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StatementTimeout)
		defer cancel()
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("SQLExecutor.Execute: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, q.SQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		if e.cfg.limitReached(len(rs.Rows)) {
			rs.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(vals))
		for i, v := range vals {
			row[i] = formatValue(v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	e.logger.Debug("query executed",
		zap.String("schema", q.Schema),
		zap.String("table", q.Table),
		zap.Int("rows", len(rs.Rows)),
		zap.Bool("truncated", rs.Truncated),
		zap.Duration("latency", time.Since(start)),
	)
	return rs, nil
}
