package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/sql_guard/internal/auth"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/dispatch"
	"github.com/triage-ai/palisade/services/sql_guard/internal/turn"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type stubAsker struct {
	mu    sync.Mutex
	asked []turn.Question
	err   error
}

func (s *stubAsker) Ask(ctx context.Context, q turn.Question) (*turn.Answer, error) {
	s.mu.Lock()
	s.asked = append(s.asked, q)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &turn.Answer{
		RequestID: "req_1",
		ThreadID:  "thread_1",
		Outcome: &dispatch.Outcome{
			Status:   dispatch.StatusCompleted,
			Messages: []string{"Total pageviews: 512"},
			Rounds:   1,
		},
	}, nil
}

type failingAuth struct{ err error }

func (a failingAuth) Authenticate(context.Context) (*auth.Caller, error) { return nil, a.err }

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T, authenticator auth.Authenticator, asker Asker) (*Client, func()) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	c := catalog.Default()
	srv := NewSQLGuardServer(authenticator, asker, validator.New(c, validator.WithTenantColumn("uuid")), time.Second, logger)

	grpcServer := grpc.NewServer()
	Register(grpcServer, srv)

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
	}
	return NewClient(conn), cleanup
}

func authCtx(tenant string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer tsk_testkey1234",
		"x-tenant-id":   tenant,
	})
	return metadata.NewOutgoingContext(context.Background(), md)
}

func TestServer_Ask(t *testing.T) {
	asker := &stubAsker{}
	client, cleanup := setupTestServer(t, auth.NewStaticAuthenticator(""), asker)
	defer cleanup()

	resp, err := client.Ask(authCtx("r1"), AskRequest{Question: "How many pageviews?", ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Total pageviews: 512" || resp.Status != "completed" || resp.Rounds != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.RequestID != "req_1" || resp.ThreadID != "thread_1" {
		t.Fatalf("unexpected ids %+v", resp)
	}

	q := asker.asked[0]
	if q.TenantID != "r1" || q.ConversationID != "c1" || q.Text != "How many pageviews?" {
		t.Fatalf("tenant must come from credentials, got %+v", q)
	}
}

func TestServer_AskErrors(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{turn.ErrEmptyQuestion, codes.InvalidArgument},
		{&dispatch.StreamError{Op: "receive", Err: errors.New("connection reset")}, codes.Unavailable},
		{dispatch.ErrTooManyRounds, codes.ResourceExhausted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		client, cleanup := setupTestServer(t, auth.NewStaticAuthenticator("r1"), &stubAsker{err: tc.err})
		_, err := client.Ask(authCtx("r1"), AskRequest{Question: "q"})
		cleanup()
		if status.Code(err) != tc.code {
			t.Fatalf("%v: expected %s, got %v", tc.err, tc.code, err)
		}
	}
}

func TestServer_Unauthenticated(t *testing.T) {
	client, cleanup := setupTestServer(t, auth.NewStaticAuthenticator("r1"), &stubAsker{})
	defer cleanup()

	_, err := client.Validate(context.Background(), ValidateRequest{SQL: "SELECT 1"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestServer_AuthUnavailable(t *testing.T) {
	client, cleanup := setupTestServer(t, failingAuth{err: auth.ErrAuthUnavailable}, &stubAsker{})
	defer cleanup()

	_, err := client.Ask(authCtx("r1"), AskRequest{Question: "q"})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestServer_Validate(t *testing.T) {
	client, cleanup := setupTestServer(t, auth.NewStaticAuthenticator(""), nil)
	defer cleanup()

	resp, err := client.Validate(authCtx("r1"), ValidateRequest{
		SQL: "SELECT page FROM ga4_floorforce.top_pages WHERE uuid = 'r1'",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Authorized || resp.Kind != "" {
		t.Fatalf("expected authorized, got %+v", resp)
	}

	resp, err = client.Validate(authCtx("r2"), ValidateRequest{
		SQL: "SELECT page FROM ga4_floorforce.top_pages WHERE uuid = 'r1'",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Authorized || resp.Kind != "tenant" {
		t.Fatalf("another tenant's filter must be rejected, got %+v", resp)
	}

	resp, err = client.Validate(authCtx("r1"), ValidateRequest{SQL: "SELECT email FROM public.users"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Authorized || resp.Kind != "table" || resp.Identifier != "public" {
		t.Fatalf("expected table violation, got %+v", resp)
	}

	if _, err := client.Validate(authCtx("r1"), ValidateRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestServer_AskWithoutAssistant(t *testing.T) {
	client, cleanup := setupTestServer(t, auth.NewStaticAuthenticator("r1"), nil)
	defer cleanup()

	if _, err := client.Ask(authCtx("r1"), AskRequest{Question: "q"}); status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected Unimplemented, got %v", err)
	}
}
