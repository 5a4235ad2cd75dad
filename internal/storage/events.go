package storage

import "time"

// EventWriter is the interface for writing query audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *QueryEvent)
	Close()
}

// QueryEvent records one handled sql_query call.
type QueryEvent struct {
	RequestID  string
	Timestamp  time.Time
	TenantID   string
	ThreadID   string
	RunID      string
	CallID     string
	Function   string
	SchemaName string
	TableName  string
	SQL        string
	OK         bool
	ErrorKind  string // "", "decode", "syntax", "authorization", "execution", "timeout", ...
	Violation  string // violation kind when authorization failed
	Identifier string // offending identifier when authorization failed
	Error      string
	RowCount   int32
	Truncated  bool
	LatencyMs  float32
	Source     string // "assistant", "grpc", "mcp", "cli"
}
