package storage

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second

	// maxSQLBytes caps the statement text kept per event.
	maxSQLBytes = 16 << 10
)

const insertQueryEvents = `
	INSERT INTO sql_query_events (
		request_id, timestamp, tenant_id, thread_id, run_id, call_id,
		function, schema_name, table_name, sql,
		ok, error_kind, violation, identifier, error,
		row_count, truncated, latency_ms, source
	)
`

// ClickHouseWriter appends one row to sql_query_events per sql_query call:
// the statement, the verdict with the violation kind and offending identifier
// when it was rejected, and for executed statements the row count and whether
// the result was cut at the row cap.
//
// Write never blocks the tool call. Rows are batched by a background
// goroutine; when the buffer is full the event is dropped and counted, and the
// count is reported with the next flush.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *QueryEvent
	done    chan struct{}
	flushed chan struct{}
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
// secure forces TLS even when the DSN does not ask for it.
func NewClickHouseWriter(dsn string, secure bool, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if secure && opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *QueryEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues an event. The first drop after a flush is logged; later ones
// are only counted.
func (w *ClickHouseWriter) Write(event *QueryEvent) {
	select {
	case w.buffer <- event:
	default:
		if w.dropped.Add(1) == 1 {
			w.logger.Warn("clickhouse buffer full, dropping query event",
				zap.String("request_id", event.RequestID),
				zap.String("call_id", event.CallID),
				zap.String("error_kind", event.ErrorKind),
			)
		}
	}
}

// Dropped returns the events dropped since the last flush.
func (w *ClickHouseWriter) Dropped() int64 { return w.dropped.Load() }

// Close signals the flush loop to drain remaining events.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*QueryEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*QueryEvent) {
	if n := w.dropped.Swap(0); n > 0 {
		w.logger.Warn("query events dropped since last flush", zap.Int64("dropped", n))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertQueryEvents)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(e.row()...); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.String("call_id", e.CallID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// row orders the event's values as in insertQueryEvents.
func (e *QueryEvent) row() []any {
	return []any{
		e.RequestID,
		e.Timestamp,
		e.TenantID,
		e.ThreadID,
		e.RunID,
		e.CallID,
		e.Function,
		e.SchemaName,
		e.TableName,
		clipSQL(e.SQL),
		boolToUint8(e.OK),
		e.ErrorKind,
		e.Violation,
		e.Identifier,
		e.Error,
		e.RowCount,
		boolToUint8(e.Truncated),
		e.LatencyMs,
		e.Source,
	}
}

// clipSQL cuts sql to maxSQLBytes on a rune boundary.
func clipSQL(sql string) string {
	if len(sql) <= maxSQLBytes {
		return sql
	}
	cut := maxSQLBytes
	for cut > 0 && !utf8.RuneStart(sql[cut]) {
		cut--
	}
	return sql[:cut]
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
