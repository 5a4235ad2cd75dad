package toolcall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/executor"
	"github.com/triage-ai/palisade/services/sql_guard/internal/metrics"
	"github.com/triage-ai/palisade/services/sql_guard/internal/storage"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a single call when the handler is not configured.
const DefaultCallTimeout = 30 * time.Second

// Handler executes sql_query calls. Every call produces exactly one envelope;
// failures never escape as errors or panics.
type Handler struct {
	catalog   *catalog.Catalog
	validator *validator.Validator
	executor  executor.Executor
	logger    *zap.Logger

	callTimeout time.Duration
	events      storage.EventWriter
	metrics     *metrics.Metrics
	source      string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCallTimeout bounds decode, validation and execution of one call.
func WithCallTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

// WithEventWriter audits every envelope to w.
func WithEventWriter(w storage.EventWriter) HandlerOption {
	return func(h *Handler) { h.events = w }
}

// WithMetrics counts every envelope.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithSource labels audit events with the surface that received the call.
func WithSource(source string) HandlerOption {
	return func(h *Handler) { h.source = source }
}

// NewHandler wires a handler over an immutable catalog and its validator.
func NewHandler(c *catalog.Catalog, v *validator.Validator, exec executor.Executor, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		catalog:     c,
		validator:   v,
		executor:    exec,
		logger:      logger,
		callTimeout: DefaultCallTimeout,
		source:      "assistant",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CallTimeout returns the per-call deadline.
func (h *Handler) CallTimeout() time.Duration { return h.callTimeout }

// Handle turns one request into one envelope.
func (h *Handler) Handle(ctx context.Context, req Request) (env Envelope) {
	start := time.Now()
	var args Arguments

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("tool call panicked",
				zap.String("call_id", req.ID),
				zap.Any("panic", r),
			)
			env = Failed(req.ID, ErrorInternal, fmt.Sprintf("internal error: %v", r))
		}
		h.record(ctx, req, args, env, time.Since(start))
	}()

	if req.FunctionName != FunctionName {
		return Failed(req.ID, ErrorUnknownFunction, fmt.Sprintf("unknown function %q", req.FunctionName))
	}

	var err error
	args, err = DecodeArguments(req.Arguments)
	if err != nil {
		return Failed(req.ID, ErrorDecode, err.Error())
	}

	if v := h.checkScope(args); v != nil {
		env = Failed(req.ID, ErrorAuthorization, v.Message)
		env.Violation = v
		return env
	}

	verdict := h.validator.ValidateTenant(args.SQL, ScopeFrom(ctx).TenantID)
	if !verdict.Authorized {
		h.metrics.ObserveVerdict(string(verdict.Violation.Kind))
		kind := ErrorAuthorization
		if verdict.Violation.Kind == validator.KindSyntax {
			kind = ErrorSyntax
		}
		env = Failed(req.ID, kind, verdict.Violation.Message)
		env.Violation = verdict.Violation
		return env
	}
	h.metrics.ObserveVerdict("authorized")

	return h.execute(ctx, req.ID, args)
}

// checkScope requires the declared schema_name/table_name to be a catalog table.
func (h *Handler) checkScope(args Arguments) *validator.Violation {
	if h.catalog.HasTable(args.SchemaName, args.TableName) {
		return nil
	}
	identifier := args.TableName
	if !h.catalog.HasSchema(args.SchemaName) {
		identifier = args.SchemaName
	}
	return &validator.Violation{
		Kind:       validator.KindTable,
		Identifier: identifier,
		Message: fmt.Sprintf("authority = %q is required in table whitelist to execute the query",
			"select::"+args.SchemaName+"::"+args.TableName),
	}
}

func (h *Handler) execute(ctx context.Context, callID string, args Arguments) Envelope {
	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	rs, err := h.executor.Execute(callCtx, executor.Query{
		Schema: args.SchemaName,
		Table:  args.TableName,
		SQL:    args.SQL,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Failed(callID, ErrorTimeout, fmt.Sprintf("query timed out after %s", h.callTimeout))
		}
		return Failed(callID, ErrorExecution, err.Error())
	}

	out, err := rs.CSV()
	if err != nil {
		return Failed(callID, ErrorExecution, err.Error())
	}
	return Envelope{
		CallID:    callID,
		OK:        true,
		Output:    out,
		Rows:      len(rs.Rows),
		Truncated: rs.Truncated,
	}
}

func (h *Handler) record(ctx context.Context, req Request, args Arguments, env Envelope, latency time.Duration) {
	outcome := "ok"
	if !env.OK {
		outcome = string(env.Kind)
	}
	h.metrics.ObserveToolCall(req.FunctionName, outcome, latency)

	if !env.OK {
		h.logger.Info("tool call rejected",
			zap.String("call_id", req.ID),
			zap.String("error_kind", string(env.Kind)),
			zap.String("error", env.Error),
		)
	}

	if h.events == nil {
		return
	}
	scope := ScopeFrom(ctx)
	event := &storage.QueryEvent{
		RequestID:  scope.RequestID,
		Timestamp:  time.Now().UTC(),
		TenantID:   scope.TenantID,
		ThreadID:   scope.ThreadID,
		RunID:      scope.RunID,
		CallID:     req.ID,
		Function:   req.FunctionName,
		SchemaName: args.SchemaName,
		TableName:  args.TableName,
		SQL:        args.SQL,
		OK:         env.OK,
		ErrorKind:  string(env.Kind),
		Error:      env.Error,
		RowCount:   int32(env.Rows),
		Truncated:  env.Truncated,
		LatencyMs:  float32(latency.Microseconds()) / 1000,
		Source:     h.source,
	}
	if env.Violation != nil {
		event.Violation = string(env.Violation.Kind)
		event.Identifier = env.Violation.Identifier
	}
	h.events.Write(event)
}
