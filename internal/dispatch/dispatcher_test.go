package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/executor"
	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
)

// --- Stubs ---

type sliceStream struct {
	events []Event
	pos    int
	err    error
	closed atomic.Bool
}

func newStream(events ...Event) *sliceStream { return &sliceStream{events: events} }

func (s *sliceStream) Next() bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Current() Event { return s.events[s.pos-1] }
func (s *sliceStream) Err() error     { return s.err }
func (s *sliceStream) Close() error   { s.closed.Store(true); return nil }

type submission struct {
	session Session
	outputs []ToolOutput
}

type stubSubmitter struct {
	mu          sync.Mutex
	submissions []submission
	next        func(round int) (Stream, error)
	onSubmit    func()
}

func (s *stubSubmitter) SubmitToolOutputs(ctx context.Context, session Session, outputs []ToolOutput) (Stream, error) {
	s.mu.Lock()
	s.submissions = append(s.submissions, submission{session: session, outputs: outputs})
	round := len(s.submissions)
	s.mu.Unlock()
	if s.onSubmit != nil {
		s.onSubmit()
	}
	return s.next(round)
}

type handlerFunc func(ctx context.Context, req toolcall.Request) toolcall.Envelope

func (f handlerFunc) Handle(ctx context.Context, req toolcall.Request) toolcall.Envelope {
	return f(ctx, req)
}

func echoHandler() handlerFunc {
	return func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		return toolcall.Envelope{CallID: req.ID, OK: true, Output: req.ID}
	}
}

type fixedExecutor struct{}

func (fixedExecutor) Execute(ctx context.Context, q executor.Query) (*executor.ResultSet, error) {
	return &executor.ResultSet{Columns: []string{"total_pageviews"}, Rows: [][]string{{"512"}}}, nil
}

var session1 = Session{ThreadID: "thread_1", RunID: "run_1"}

func actionEvent(calls ...toolcall.Request) Event {
	return Event{Kind: EventRequiresAction, Name: "thread.run.requires_action", Session: session1, Calls: calls}
}

func call(id string) toolcall.Request {
	return toolcall.Request{ID: id, FunctionName: toolcall.FunctionName, Arguments: `{}`}
}

func completedStream(text string) *sliceStream {
	return newStream(
		Event{Kind: EventMessageCompleted, Text: text},
		Event{Kind: EventRunCompleted, Session: session1},
	)
}

func decodeEnvelope(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("envelope is not JSON: %v (%s)", err, s)
	}
	return m
}

func testConfig() Config {
	return Config{CallTimeout: time.Second, CollectGrace: 100 * time.Millisecond}
}

// --- Tests ---

func TestRun_MixedBatchSubmittedOnce(t *testing.T) {
	c := catalog.Default()
	h := toolcall.NewHandler(c, validator.New(c), fixedExecutor{}, zap.NewNop())
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream("Total is 512."), nil }}
	d := New(h, sub, testConfig(), zap.NewNop())

	first := newStream(
		Event{Kind: EventOther, Name: "thread.run.created", Session: session1},
		actionEvent(
			toolcall.Request{ID: "call_ok", FunctionName: "sql_query",
				Arguments: `{"schema_name":"ga4_floorforce","table_name":"top_pages","sql":"SELECT page_views FROM ga4_floorforce.top_pages"}`},
			toolcall.Request{ID: "call_denied", FunctionName: "sql_query",
				Arguments: `{"schema_name":"ga4_floorforce","table_name":"top_pages","sql":"SELECT page_views FROM ga4_floorforce.secret_table"}`},
		),
	)

	out, err := d.Run(context.Background(), first)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sub.submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(sub.submissions))
	}
	s := sub.submissions[0]
	if s.session != session1 {
		t.Fatalf("unexpected session %+v", s.session)
	}
	if len(s.outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(s.outputs))
	}

	byID := map[string]map[string]any{}
	for _, o := range s.outputs {
		byID[o.CallID] = decodeEnvelope(t, o.Output)
	}
	if byID["call_ok"]["ok"] != true || byID["call_ok"]["output"] != "total_pageviews\n512" {
		t.Fatalf("unexpected envelope for call_ok: %v", byID["call_ok"])
	}
	if byID["call_denied"]["ok"] != false || byID["call_denied"]["error"] == "" {
		t.Fatalf("unexpected envelope for call_denied: %v", byID["call_denied"])
	}

	if out.Status != StatusCompleted || out.Rounds != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Text() != "Total is 512." {
		t.Fatalf("unexpected text %q", out.Text())
	}
	if !first.closed.Load() {
		t.Fatal("first stream must be closed before resubmitting")
	}
}

func TestRun_OneEnvelopePerCallInCallOrder(t *testing.T) {
	h := handlerFunc(func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		switch req.ID {
		case "c2":
			time.Sleep(30 * time.Millisecond)
		case "c4":
			return toolcall.Failed(req.ID, toolcall.ErrorExecution, "boom")
		case "c5":
			// A handler that forgets the id still gets correlated.
			return toolcall.Envelope{OK: true, Output: "x"}
		}
		return toolcall.Envelope{CallID: req.ID, OK: true, Output: req.ID}
	})
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream(""), nil }}
	d := New(h, sub, testConfig(), zap.NewNop())

	if _, err := d.Run(context.Background(), newStream(actionEvent(call("c1"), call("c2"), call("c3"), call("c4"), call("c5")))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var ids []string
	for _, o := range sub.submissions[0].outputs {
		ids = append(ids, o.CallID)
	}
	if !reflect.DeepEqual(ids, []string{"c1", "c2", "c3", "c4", "c5"}) {
		t.Fatalf("unexpected output ids %v", ids)
	}
	if env := decodeEnvelope(t, sub.submissions[0].outputs[3].Output); env["ok"] != false || env["error"] != "boom" {
		t.Fatalf("unexpected failed envelope %v", env)
	}
}

func TestRun_BarrierBeforeSubmission(t *testing.T) {
	var done atomic.Int32
	h := handlerFunc(func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		if req.ID == "slow" {
			time.Sleep(50 * time.Millisecond)
		}
		done.Add(1)
		return toolcall.Envelope{CallID: req.ID, OK: true}
	})

	var doneAtSubmit int32
	sub := &stubSubmitter{
		next:     func(int) (Stream, error) { return completedStream(""), nil },
		onSubmit: func() { doneAtSubmit = done.Load() },
	}
	d := New(h, sub, testConfig(), zap.NewNop())

	if _, err := d.Run(context.Background(), newStream(actionEvent(call("fast"), call("slow"), call("fast2")))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doneAtSubmit != 3 {
		t.Fatalf("submission happened with %d of 3 calls finished", doneAtSubmit)
	}
}

func TestRun_HungCallGetsTimeoutEnvelope(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := handlerFunc(func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		if req.ID == "hung" {
			<-release // ignores ctx on purpose
		}
		return toolcall.Envelope{CallID: req.ID, OK: true}
	})
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream(""), nil }}
	cfg := Config{CallTimeout: 20 * time.Millisecond, CollectGrace: 20 * time.Millisecond}
	d := New(h, sub, cfg, zap.NewNop())

	start := time.Now()
	if _, err := d.Run(context.Background(), newStream(actionEvent(call("ok"), call("hung")))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("a hung call stalled the turn")
	}

	outputs := sub.submissions[0].outputs
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if env := decodeEnvelope(t, outputs[0].Output); env["ok"] != true {
		t.Fatalf("expected ok envelope for the fast call, got %v", env)
	}
	if outputs[1].CallID != "hung" {
		t.Fatalf("expected hung call id, got %q", outputs[1].CallID)
	}
	if env := decodeEnvelope(t, outputs[1].Output); env["ok"] != false {
		t.Fatalf("expected failed envelope for the hung call, got %v", env)
	}
}

func TestRun_PanicBecomesFailedEnvelope(t *testing.T) {
	h := handlerFunc(func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		if req.ID == "bad" {
			panic("handler bug")
		}
		return toolcall.Envelope{CallID: req.ID, OK: true}
	})
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream(""), nil }}
	d := New(h, sub, testConfig(), zap.NewNop())

	if _, err := d.Run(context.Background(), newStream(actionEvent(call("good"), call("bad")))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	env := decodeEnvelope(t, sub.submissions[0].outputs[1].Output)
	if env["ok"] != false {
		t.Fatalf("expected failed envelope, got %v", env)
	}
}

func TestRun_ScopeCarriesSession(t *testing.T) {
	var got toolcall.Scope
	h := handlerFunc(func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		got = toolcall.ScopeFrom(ctx)
		return toolcall.Envelope{CallID: req.ID, OK: true}
	})
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream(""), nil }}
	d := New(h, sub, testConfig(), zap.NewNop())

	ctx := toolcall.WithScope(context.Background(), toolcall.Scope{TenantID: "r1", RequestID: "req-1"})
	if _, err := d.Run(ctx, newStream(actionEvent(call("c1")))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := toolcall.Scope{TenantID: "r1", RequestID: "req-1", ThreadID: "thread_1", RunID: "run_1"}
	if got != want {
		t.Fatalf("expected scope %+v, got %+v", want, got)
	}
}

func TestRun_MaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	h := handlerFunc(func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return toolcall.Envelope{CallID: req.ID, OK: true}
	})
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream(""), nil }}
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	d := New(h, sub, cfg, zap.NewNop())

	calls := []toolcall.Request{call("a"), call("b"), call("c"), call("d"), call("e"), call("f")}
	if _, err := d.Run(context.Background(), newStream(actionEvent(calls...))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak.Load())
	}
	if len(sub.submissions[0].outputs) != 6 {
		t.Fatalf("expected 6 outputs, got %d", len(sub.submissions[0].outputs))
	}
}

func TestRun_StateTransitions(t *testing.T) {
	var states []State
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream(""), nil }}
	d := New(echoHandler(), sub, testConfig(), zap.NewNop(), WithStateHook(func(s State) { states = append(states, s) }))

	if _, err := d.Run(context.Background(), newStream(actionEvent(call("c1")))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []State{StateListening, StateActionRequired, StateDispatching, StateResubmitting, StateListening, StateTerminal}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
}

func TestRun_StreamErrors(t *testing.T) {
	d := New(echoHandler(), &stubSubmitter{}, testConfig(), zap.NewNop())

	broken := newStream(Event{Kind: EventOther})
	broken.err = errors.New("connection reset")
	_, err := d.Run(context.Background(), broken)
	var se *StreamError
	if !errors.As(err, &se) || se.Op != "receive" {
		t.Fatalf("expected receive StreamError, got %v", err)
	}

	_, err = d.Run(context.Background(), newStream(Event{Kind: EventMessageDelta, Text: "hi"}))
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}

	_, err = d.Run(context.Background(), newStream(Event{Kind: EventError, Err: "server_error"}))
	if !errors.As(err, &se) || se.Op != "backend" {
		t.Fatalf("expected backend StreamError, got %v", err)
	}
}

func TestRun_SubmitErrorIsStreamError(t *testing.T) {
	sub := &stubSubmitter{next: func(int) (Stream, error) { return nil, errors.New("502 bad gateway") }}
	d := New(echoHandler(), sub, testConfig(), zap.NewNop())

	_, err := d.Run(context.Background(), newStream(actionEvent(call("c1"))))
	var se *StreamError
	if !errors.As(err, &se) || se.Op != "submit" {
		t.Fatalf("expected submit StreamError, got %v", err)
	}
}

func TestRun_RoundCap(t *testing.T) {
	sub := &stubSubmitter{next: func(int) (Stream, error) { return newStream(actionEvent(call("again"))), nil }}
	cfg := testConfig()
	cfg.MaxActionRounds = 3
	d := New(echoHandler(), sub, cfg, zap.NewNop())

	out, err := d.Run(context.Background(), newStream(actionEvent(call("first"))))
	if !errors.Is(err, ErrTooManyRounds) {
		t.Fatalf("expected ErrTooManyRounds, got %v", err)
	}
	if out.Rounds != 3 || len(sub.submissions) != 3 {
		t.Fatalf("expected 3 rounds, got %d (%d submissions)", out.Rounds, len(sub.submissions))
	}
}

func TestRun_FailedRun(t *testing.T) {
	d := New(echoHandler(), &stubSubmitter{}, testConfig(), zap.NewNop())

	out, err := d.Run(context.Background(), newStream(
		Event{Kind: EventRunFailed, Session: session1, Err: "rate_limit_exceeded"},
	))
	if err != nil {
		t.Fatalf("a failed run is a terminal event, not a stream error: %v", err)
	}
	if out.Status != StatusFailed || out.Reason != "rate_limit_exceeded" || out.Session != session1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRun_AssemblesDeltas(t *testing.T) {
	d := New(echoHandler(), &stubSubmitter{}, testConfig(), zap.NewNop())

	out, err := d.Run(context.Background(), newStream(
		Event{Kind: EventMessageDelta, Text: "Total "},
		Event{Kind: EventMessageDelta, Text: "is 512."},
		Event{Kind: EventMessageCompleted},
		Event{Kind: EventMessageDelta, Text: "Anything else?"},
		Event{Kind: EventRunCompleted},
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(out.Messages, []string{"Total is 512.", "Anything else?"}) {
		t.Fatalf("unexpected messages %q", out.Messages)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	h := handlerFunc(func(ctx context.Context, req toolcall.Request) toolcall.Envelope {
		<-ctx.Done()
		return toolcall.Failed(req.ID, toolcall.ErrorTimeout, "cancelled")
	})
	sub := &stubSubmitter{next: func(int) (Stream, error) { return completedStream(""), nil }}
	d := New(h, sub, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := d.Run(ctx, newStream(actionEvent(call("c1"))))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sub.submissions) != 0 {
		t.Fatal("nothing may be submitted after cancellation")
	}
}
