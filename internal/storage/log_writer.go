package storage

import "go.uber.org/zap"

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *QueryEvent) {
	w.logger.Info("sql_query_event",
		zap.String("request_id", event.RequestID),
		zap.String("tenant_id", event.TenantID),
		zap.String("call_id", event.CallID),
		zap.String("schema_name", event.SchemaName),
		zap.String("table_name", event.TableName),
		zap.Bool("ok", event.OK),
		zap.String("error_kind", event.ErrorKind),
		zap.String("identifier", event.Identifier),
		zap.Int32("row_count", event.RowCount),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("source", event.Source),
	)
}

func (w *LogWriter) Close() {}
