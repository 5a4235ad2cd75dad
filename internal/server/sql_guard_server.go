package server

import (
	"context"
	"errors"
	"time"

	"github.com/triage-ai/palisade/services/sql_guard/internal/auth"
	"github.com/triage-ai/palisade/services/sql_guard/internal/dispatch"
	"github.com/triage-ai/palisade/services/sql_guard/internal/turn"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Asker runs one turn. *turn.Runner implements it.
type Asker interface {
	Ask(ctx context.Context, q turn.Question) (*turn.Answer, error)
}

// SQLGuardServer implements SQLGuardService.
type SQLGuardServer struct {
	auth      auth.Authenticator
	asker     Asker
	validator *validator.Validator
	timeout   time.Duration
	logger    *zap.Logger
}

// NewSQLGuardServer creates a server. turnTimeout bounds one Ask; 0 leaves it
// to the client deadline. A nil asker disables Ask.
func NewSQLGuardServer(authenticator auth.Authenticator, asker Asker, v *validator.Validator, turnTimeout time.Duration, logger *zap.Logger) *SQLGuardServer {
	return &SQLGuardServer{
		auth:      authenticator,
		asker:     asker,
		validator: v,
		timeout:   turnTimeout,
		logger:    logger,
	}
}

func (s *SQLGuardServer) authenticate(ctx context.Context) (*auth.Caller, error) {
	caller, err := s.auth.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrAuthUnavailable) {
			return nil, status.Errorf(codes.Unavailable, "authentication unavailable: %v", err)
		}
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	return caller, nil
}

// Ask implements the SQLGuardService.Ask RPC.
func (s *SQLGuardServer) Ask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if s.asker == nil {
		return nil, status.Error(codes.Unimplemented, "no assistant is configured")
	}
	req := askRequestFromStruct(in)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = auth.WithCaller(ctx, caller)

	ans, err := s.asker.Ask(ctx, turn.Question{
		ConversationID: req.ConversationID,
		TenantID:       caller.TenantID,
		Text:           req.Question,
	})
	if err != nil {
		s.logger.Warn("ask failed",
			zap.String("project_id", caller.ProjectID),
			zap.String("tenant_id", caller.TenantID),
			zap.Error(err),
		)
		return nil, askStatus(err)
	}

	resp := AskResponse{
		RequestID: ans.RequestID,
		ThreadID:  ans.ThreadID,
		Text:      ans.Text(),
	}
	if ans.Outcome != nil {
		resp.Status = string(ans.Outcome.Status)
		resp.Rounds = ans.Outcome.Rounds
		resp.Reason = ans.Outcome.Reason
	}
	return resp.toStruct()
}

func askStatus(err error) error {
	var streamErr *dispatch.StreamError
	switch {
	case errors.Is(err, turn.ErrEmptyQuestion):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, dispatch.ErrTooManyRounds):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &streamErr):
		return status.Errorf(codes.Unavailable, "assistant stream failed: %v", err)
	default:
		return status.Errorf(codes.Internal, "ask failed: %v", err)
	}
}

// Validate implements the SQLGuardService.Validate RPC. The verdict is
// computed for the caller's tenant.
func (s *SQLGuardServer) Validate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	req := validateRequestFromStruct(in)
	if req.SQL == "" {
		return nil, status.Error(codes.InvalidArgument, "sql is required")
	}

	verdict := s.validator.ValidateTenant(req.SQL, caller.TenantID)
	resp := ValidateResponse{Authorized: verdict.Authorized}
	if v := verdict.Violation; v != nil {
		resp.Kind = string(v.Kind)
		resp.Identifier = v.Identifier
		resp.Message = v.Message
	}
	return resp.toStruct()
}
