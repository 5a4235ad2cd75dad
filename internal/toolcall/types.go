// Package toolcall turns one agent tool call into one result envelope:
// decode the arguments, authorize the SQL, execute it, serialize the result.
package toolcall

import (
	"context"
	"encoding/json"

	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
)

// FunctionName is the only tool the agent may call.
const FunctionName = "sql_query"

// Request is a pending tool call as the agent emitted it.
type Request struct {
	ID           string
	FunctionName string
	Arguments    string // raw JSON text
}

// Arguments are the decoded sql_query parameters.
type Arguments struct {
	SchemaName string `json:"schema_name" mapstructure:"schema_name"`
	TableName  string `json:"table_name" mapstructure:"table_name"`
	SQL        string `json:"sql" mapstructure:"sql"`
}

// ErrorKind classifies a failed envelope for audit and metrics.
type ErrorKind string

const (
	ErrorNone            ErrorKind = ""
	ErrorUnknownFunction ErrorKind = "unknown_function"
	ErrorDecode          ErrorKind = "decode"
	ErrorSyntax          ErrorKind = "syntax"
	ErrorAuthorization   ErrorKind = "authorization"
	ErrorExecution       ErrorKind = "execution"
	ErrorTimeout         ErrorKind = "timeout"
	ErrorInternal        ErrorKind = "internal"
)

// Envelope is the outcome of one tool call. Only OK, Error and Output are
// sent back to the agent; the other fields stay server-side.
type Envelope struct {
	CallID string `json:"-"`
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Output string `json:"output"`

	Kind      ErrorKind            `json:"-"`
	Violation *validator.Violation `json:"-"`
	Rows      int                  `json:"-"`
	Truncated bool                 `json:"-"`
}

// JSON renders the agent-facing envelope.
func (e Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		return `{"ok":false,"error":"envelope encoding failed","output":""}`
	}
	return string(b)
}

// Failed builds an unsuccessful envelope.
func Failed(callID string, kind ErrorKind, message string) Envelope {
	return Envelope{CallID: callID, Kind: kind, Error: message}
}

// Scope identifies who a call runs for and which turn it belongs to.
type Scope struct {
	RequestID string
	TenantID  string
	ThreadID  string
	RunID     string
}

type scopeKey struct{}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope attached to ctx, or the zero Scope.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}
