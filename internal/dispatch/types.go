// Package dispatch drives one agent turn: it consumes the run's event stream
// in order, answers every action-required pause with one batch of tool
// outputs and follows the continuation streams until the run ends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
)

// EventKind is the part of a stream event the dispatcher acts on.
type EventKind int

const (
	EventOther EventKind = iota // lifecycle and step events that need no action
	EventMessageDelta
	EventMessageCompleted
	EventRequiresAction
	EventRunCompleted
	EventRunFailed
	EventRunCancelled
	EventRunExpired
	EventRunIncomplete
	EventError
)

// Event is one item of a run's stream.
type Event struct {
	Kind    EventKind
	Name    string  // backend event name, for logging
	Session Session // set on run events
	Calls   []toolcall.Request
	Text    string // message text or delta
	Err     string // failure reason on EventRunFailed and EventError
}

// Session identifies the paused run that tool outputs resume.
type Session struct {
	ThreadID string
	RunID    string
}

// Stream is an ordered event source. It follows the Next/Current/Err
// iterator shape of the backend's SSE streams.
type Stream interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
}

// ToolOutput is one envelope tagged with its originating call id.
type ToolOutput struct {
	CallID string
	Output string
}

// Submitter resumes a paused run with a complete batch of outputs and
// returns the continuation stream.
type Submitter interface {
	SubmitToolOutputs(ctx context.Context, session Session, outputs []ToolOutput) (Stream, error)
}

// CallHandler produces exactly one envelope per call.
type CallHandler interface {
	Handle(ctx context.Context, req toolcall.Request) toolcall.Envelope
}

// State is the dispatcher's position in a turn.
type State int

const (
	StateListening State = iota
	StateActionRequired
	StateDispatching
	StateResubmitting
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateActionRequired:
		return "action_required"
	case StateDispatching:
		return "dispatching"
	case StateResubmitting:
		return "resubmitting"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is how a turn ended.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
	StatusIncomplete Status = "incomplete"
)

var terminalStatus = map[EventKind]Status{
	EventRunCompleted:  StatusCompleted,
	EventRunFailed:     StatusFailed,
	EventRunCancelled:  StatusCancelled,
	EventRunExpired:    StatusExpired,
	EventRunIncomplete: StatusIncomplete,
}

// Outcome summarizes a finished turn.
type Outcome struct {
	Status   Status
	Session  Session
	Messages []string // completed assistant messages in stream order
	Rounds   int      // tool output submissions made
	Reason   string   // failure reason for non-completed runs
}

// Text joins the assistant messages of the turn.
func (o *Outcome) Text() string {
	return strings.Join(o.Messages, "\n\n")
}

// ErrTooManyRounds is returned when a turn keeps asking for tool output past
// the configured limit.
var ErrTooManyRounds = errors.New("dispatch: too many action rounds")

// ErrStreamEnded is wrapped in a StreamError when a stream closes before the
// run reaches a terminal event.
var ErrStreamEnded = errors.New("stream ended before the run finished")

// StreamError means the channel to the agent backend is broken. It is never
// turned into a tool envelope.
type StreamError struct {
	Op  string // "receive", "submit" or "backend"
	Err error
}

func (e *StreamError) Error() string {
	return "dispatch: " + e.Op + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }
