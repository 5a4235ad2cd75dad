package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/sql_guard/internal/metrics"
	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
	"go.uber.org/zap"
)

const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultCollectGrace    = 2 * time.Second
	DefaultMaxActionRounds = 25
)

// Config bounds one turn.
type Config struct {
	// CallTimeout is the deadline passed to each handler call.
	CallTimeout time.Duration
	// CollectGrace is how long past CallTimeout the barrier waits for a call
	// that ignores cancellation before synthesizing its envelope.
	CollectGrace time.Duration
	// MaxConcurrency caps in-flight calls of one batch. 0 = no cap.
	MaxConcurrency int
	// MaxActionRounds caps tool output submissions per turn.
	MaxActionRounds int
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.CollectGrace <= 0 {
		c.CollectGrace = DefaultCollectGrace
	}
	if c.MaxActionRounds <= 0 {
		c.MaxActionRounds = DefaultMaxActionRounds
	}
	return c
}

// Dispatcher mediates tool calls for one turn at a time. It keeps no state
// between Run calls and is safe for concurrent use across turns.
type Dispatcher struct {
	handler   CallHandler
	submitter Submitter
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onState   func(State)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics counts submissions and finished turns.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithStateHook calls fn on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(d *Dispatcher) { d.onState = fn }
}

// New creates a Dispatcher.
func New(handler CallHandler, submitter Submitter, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:   handler,
		submitter: submitter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) enter(s State) {
	if d.onState != nil {
		d.onState(s)
	}
}

// Run consumes stream and every continuation stream until the run reaches a
// terminal event. Query-level failures never surface here; only a broken
// stream (*StreamError), ErrTooManyRounds or ctx cancellation do.
func (d *Dispatcher) Run(ctx context.Context, stream Stream) (*Outcome, error) {
	out := &Outcome{}
	var pending strings.Builder // deltas of the message in progress

	d.enter(StateListening)
	for {
		if !stream.Next() {
			err := stream.Err()
			stream.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, fmt.Errorf("Dispatcher.Run: %w", ctxErr)
			}
			if err == nil {
				err = ErrStreamEnded
			}
			return out, &StreamError{Op: "receive", Err: err}
		}

		ev := stream.Current()
		if ev.Session.ThreadID != "" {
			out.Session.ThreadID = ev.Session.ThreadID
		}
		if ev.Session.RunID != "" {
			out.Session.RunID = ev.Session.RunID
		}

		switch ev.Kind {
		case EventMessageDelta:
			pending.WriteString(ev.Text)

		case EventMessageCompleted:
			text := ev.Text
			if text == "" {
				text = pending.String()
			}
			pending.Reset()
			if text != "" {
				out.Messages = append(out.Messages, text)
			}

		case EventRequiresAction:
			d.enter(StateActionRequired)
			stream.Close()
			if out.Rounds >= d.cfg.MaxActionRounds {
				d.enter(StateTerminal)
				return out, ErrTooManyRounds
			}

			session := out.Session
			d.logger.Debug("run requires action",
				zap.String("thread_id", session.ThreadID),
				zap.String("run_id", session.RunID),
				zap.Int("calls", len(ev.Calls)),
			)

			d.enter(StateDispatching)
			envelopes := d.dispatch(ctx, session, ev.Calls)
			if err := ctx.Err(); err != nil {
				d.enter(StateTerminal)
				return out, fmt.Errorf("Dispatcher.Run: %w", err)
			}

			d.enter(StateResubmitting)
			outputs := make([]ToolOutput, len(envelopes))
			for i, env := range envelopes {
				outputs[i] = ToolOutput{CallID: env.CallID, Output: env.JSON()}
			}
			next, err := d.submitter.SubmitToolOutputs(ctx, session, outputs)
			if err != nil {
				d.enter(StateTerminal)
				return out, &StreamError{Op: "submit", Err: err}
			}
			out.Rounds++
			d.metrics.ObserveActionRound()

			stream = next
			d.enter(StateListening)

		case EventError:
			stream.Close()
			d.enter(StateTerminal)
			return out, &StreamError{Op: "backend", Err: errors.New(ev.Err)}

		default:
			status, terminal := terminalStatus[ev.Kind]
			if !terminal {
				continue
			}
			stream.Close()
			if pending.Len() > 0 {
				out.Messages = append(out.Messages, pending.String())
			}
			out.Status = status
			out.Reason = ev.Err
			d.metrics.ObserveTurn(string(status))
			d.enter(StateTerminal)
			return out, nil
		}
	}
}

type indexedEnvelope struct {
	index int
	env   toolcall.Envelope
}

// dispatch handles every call concurrently and returns exactly one envelope
// per call, in call order. It returns only when every call has an envelope.
func (d *Dispatcher) dispatch(ctx context.Context, session Session, calls []toolcall.Request) []toolcall.Envelope {
	n := len(calls)
	results := make([]toolcall.Envelope, n)
	if n == 0 {
		return results
	}

	scope := toolcall.ScopeFrom(ctx)
	scope.ThreadID = session.ThreadID
	scope.RunID = session.RunID
	callCtx := toolcall.WithScope(ctx, scope)

	waves := 1
	var sem chan struct{}
	if d.cfg.MaxConcurrency > 0 && d.cfg.MaxConcurrency < n {
		sem = make(chan struct{}, d.cfg.MaxConcurrency)
		waves = (n + d.cfg.MaxConcurrency - 1) / d.cfg.MaxConcurrency
	}
	collectCtx, cancel := context.WithTimeout(ctx, time.Duration(waves)*d.cfg.CallTimeout+d.cfg.CollectGrace)
	defer cancel()

	// Buffered so late calls never block after the barrier gives up on them.
	ch := make(chan indexedEnvelope, n)

	for i, call := range calls {
		go func(i int, call toolcall.Request) {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-collectCtx.Done():
					return
				}
			}
			ch <- indexedEnvelope{index: i, env: d.handle(callCtx, call)}
		}(i, call)
	}

	filled := make([]bool, n)
	remaining := n
	for remaining > 0 {
		select {
		case r := <-ch:
			results[r.index] = r.env
			filled[r.index] = true
			remaining--
		case <-collectCtx.Done():
			d.logger.Warn("tool calls exceeded the collection deadline, synthesizing envelopes",
				zap.Int("pending", remaining),
				zap.Duration("call_timeout", d.cfg.CallTimeout),
			)
			for i := range results {
				if !filled[i] {
					results[i] = toolcall.Failed(calls[i].ID, toolcall.ErrorTimeout,
						fmt.Sprintf("tool call did not finish within %s", d.cfg.CallTimeout))
				}
			}
			remaining = 0
		}
	}

	for i := range results {
		results[i].CallID = calls[i].ID
	}
	return results
}

// handle runs one call under its own deadline. A panicking handler yields a
// failed envelope.
func (d *Dispatcher) handle(ctx context.Context, call toolcall.Request) (env toolcall.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool call handler panicked",
				zap.String("call_id", call.ID),
				zap.Any("panic", r),
			)
			env = toolcall.Failed(call.ID, toolcall.ErrorInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.handler.Handle(ctx, call)
}
