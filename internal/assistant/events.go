package assistant

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/triage-ai/palisade/services/sql_guard/internal/dispatch"
	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
)

var runEvents = map[string]dispatch.EventKind{
	"thread.run.requires_action": dispatch.EventRequiresAction,
	"thread.run.completed":       dispatch.EventRunCompleted,
	"thread.run.failed":          dispatch.EventRunFailed,
	"thread.run.cancelled":       dispatch.EventRunCancelled,
	"thread.run.expired":         dispatch.EventRunExpired,
	"thread.run.incomplete":      dispatch.EventRunIncomplete,
}

// decodeEvent maps one SDK stream item onto a dispatch.Event.
func decodeEvent(cur openai.AssistantStreamEventUnion) (dispatch.Event, error) {
	ev := dispatch.Event{Kind: dispatch.EventOther, Name: cur.Event}

	switch {
	case cur.Event == "error":
		e := cur.AsErrorEvent().Data
		ev.Kind = dispatch.EventError
		ev.Err = e.Message
		if ev.Err == "" {
			ev.Err = cur.RawJSON()
		}
		return ev, nil

	case strings.HasPrefix(cur.Event, "thread.run.step."):
		return ev, nil

	case strings.HasPrefix(cur.Event, "thread.run."):
		run := runOf(cur)
		ev.Session = dispatch.Session{ThreadID: run.ThreadID, RunID: run.ID}
		if kind, ok := runEvents[cur.Event]; ok {
			ev.Kind = kind
		}
		switch ev.Kind {
		case dispatch.EventRequiresAction:
			if run.RequiredAction.Type == "" {
				return dispatch.Event{}, fmt.Errorf("decodeEvent %s: missing required_action", cur.Event)
			}
			for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
				ev.Calls = append(ev.Calls, toolcall.Request{
					ID:           tc.ID,
					FunctionName: tc.Function.Name,
					Arguments:    tc.Function.Arguments,
				})
			}
		case dispatch.EventRunFailed:
			if run.LastError.Code != "" || run.LastError.Message != "" {
				ev.Err = string(run.LastError.Code) + ": " + run.LastError.Message
			}
		case dispatch.EventRunIncomplete:
			ev.Err = string(run.IncompleteDetails.Reason)
		}
		return ev, nil

	case cur.Event == "thread.message.delta":
		var b strings.Builder
		for _, part := range cur.AsThreadMessageDelta().Data.Delta.Content {
			if part.Type == "text" {
				b.WriteString(part.Text.Value)
			}
		}
		ev.Kind = dispatch.EventMessageDelta
		ev.Text = b.String()
		return ev, nil

	case cur.Event == "thread.message.completed":
		msg := cur.AsThreadMessageCompleted().Data
		if msg.Role != "" && msg.Role != "assistant" {
			return ev, nil
		}
		var b strings.Builder
		for _, part := range msg.Content {
			if part.Type == "text" {
				b.WriteString(part.Text.Value)
			}
		}
		ev.Kind = dispatch.EventMessageCompleted
		ev.Text = b.String()
		return ev, nil
	}
	return ev, nil
}

// runOf returns the run carried by a thread.run.* event.
func runOf(cur openai.AssistantStreamEventUnion) openai.Run {
	switch cur.Event {
	case "thread.run.requires_action":
		return cur.AsThreadRunRequiresAction().Data
	case "thread.run.completed":
		return cur.AsThreadRunCompleted().Data
	case "thread.run.failed":
		return cur.AsThreadRunFailed().Data
	case "thread.run.cancelled":
		return cur.AsThreadRunCancelled().Data
	case "thread.run.expired":
		return cur.AsThreadRunExpired().Data
	case "thread.run.incomplete":
		return cur.AsThreadRunIncomplete().Data
	case "thread.run.created":
		return cur.AsThreadRunCreated().Data
	case "thread.run.queued":
		return cur.AsThreadRunQueued().Data
	case "thread.run.in_progress":
		return cur.AsThreadRunInProgress().Data
	case "thread.run.cancelling":
		return cur.AsThreadRunCancelling().Data
	}
	return openai.Run{}
}

// eventSource is the iterator shape of the SDK's assistant streams.
type eventSource interface {
	Next() bool
	Current() openai.AssistantStreamEventUnion
	Err() error
	Close() error
}

// eventStream adapts an SDK stream to dispatch.Stream.
type eventStream struct {
	src eventSource
	cur dispatch.Event
	err error
}

func newEventStream(src eventSource) *eventStream {
	return &eventStream{src: src}
}

func (s *eventStream) Next() bool {
	if s.err != nil || !s.src.Next() {
		return false
	}
	ev, err := decodeEvent(s.src.Current())
	if err != nil {
		s.err = err
		return false
	}
	s.cur = ev
	return true
}

func (s *eventStream) Current() dispatch.Event { return s.cur }

func (s *eventStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.src.Err()
}

func (s *eventStream) Close() error { return s.src.Close() }
