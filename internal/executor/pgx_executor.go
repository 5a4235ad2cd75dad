package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgxExecutor runs queries on a Postgres-protocol warehouse (Postgres or
// Redshift) through a pgx pool. Each query gets its own read-only
// transaction that is always rolled back.
type PgxExecutor struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger

	// ReadOnly requests BEGIN READ ONLY. Disable for warehouses that reject it.
	ReadOnly bool
}

// NewPgxExecutor creates an executor over an existing pool.
func NewPgxExecutor(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *PgxExecutor {
	return &PgxExecutor{pool: pool, cfg: cfg, logger: logger, ReadOnly: true}
}

// NewPgxPool parses dsn and connects. simpleProtocol switches to the simple
// query protocol, which Redshift and most poolers need.
func NewPgxPool(ctx context.Context, dsn string, maxConns int32, simpleProtocol bool) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPgxPool: parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if simpleProtocol {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("NewPgxPool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("NewPgxPool: ping: %w", err)
	}
	return pool, nil
}

// Execute runs q.SQL with search_path set to q.Schema.
func (e *PgxExecutor) Execute(ctx context.Context, q Query) (*ResultSet, error) {
	start := time.Now()
	if e.cfg.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StatementTimeout)
		defer cancel()
	}

	opts := pgx.TxOptions{}
	if e.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := e.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("PgxExecutor.Execute: begin: %w", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if e.cfg.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", e.cfg.StatementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("PgxExecutor.Execute: statement_timeout: %w", err)
		}
	}
	if q.Schema != "" {
		stmt := "SET LOCAL search_path TO " + pgx.Identifier{q.Schema}.Sanitize()
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("PgxExecutor.Execute: search_path: %w", err)
		}
	}

	rows, err := tx.Query(ctx, q.SQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rs := &ResultSet{}
	for _, fd := range rows.FieldDescriptions() {
		rs.Columns = append(rs.Columns, fd.Name)
	}
	for rows.Next() {
		if e.cfg.limitReached(len(rs.Rows)) {
			rs.Truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
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
