package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// testAPIKey is the raw API key used in tests. Must start with "tsk_" and be >= 8 chars.
const testAPIKey = "tsk_test_valid_key_1234567890abcdef"

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

type mockStore struct {
	row       *keyRow
	err       error
	callCount atomic.Int32
}

func (m *mockStore) LookupByPrefix(_ context.Context, _ string) (*keyRow, error) {
	m.callCount.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func bearerCtx(token string, pairs ...string) context.Context {
	md := metadata.Pairs(append([]string{"authorization", "Bearer " + token}, pairs...)...)
	return metadata.NewIncomingContext(context.Background(), md)
}

func validRow(t *testing.T) *keyRow {
	return &keyRow{ProjectID: "proj_abc", TenantID: "81d8595a-0e85-4afd-a399-204958879c84", APIKeyHash: testHash(t)}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := ExtractBearerToken(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without metadata, got %v", err)
	}
	if _, err := ExtractBearerToken(bearerCtx("")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}
	token, err := ExtractBearerToken(bearerCtx(testAPIKey))
	if err != nil || token != testAPIKey {
		t.Fatalf("expected %s, got %q (%v)", testAPIKey, token, err)
	}
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	auth := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	caller, err := auth.Authenticate(bearerCtx(testAPIKey))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if caller.ProjectID != "proj_abc" || caller.TenantID != "81d8595a-0e85-4afd-a399-204958879c84" {
		t.Errorf("unexpected caller %+v", caller)
	}
	if caller.Method != "api_key" {
		t.Errorf("expected api_key method, got %s", caller.Method)
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	auth := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	if _, err := auth.Authenticate(bearerCtx(testAPIKey)); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if _, err := auth.Authenticate(bearerCtx(testAPIKey)); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected still 1 DB call (cache hit), got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_InvalidKey(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	auth := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	_, err := auth.Authenticate(bearerCtx("tsk_wrong_key_doesnt_match_hash_at_all"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got: %v", err)
	}
}

func TestPostgresAuth_NotAnAPIKey(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	auth := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	if _, err := auth.Authenticate(bearerCtx("eyJhbGciOi")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got: %v", err)
	}
	if store.callCount.Load() != 0 {
		t.Fatal("non-key tokens must not reach the database")
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	auth := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	_, err := auth.Authenticate(bearerCtx(testAPIKey))
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_StaleEntryRevoked(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	auth := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())
	if _, err := auth.Authenticate(bearerCtx(testAPIKey)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	store.err = ErrUnauthenticated
	auth.cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	auth.refreshInBackground(testAPIKey)

	if got := auth.cache.Get(testAPIKey); got.Hit {
		t.Fatal("revoked key must be evicted on refresh")
	}
}

func TestAuthCache_StaleWhileRevalidate(t *testing.T) {
	c := NewAuthCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(testAPIKey, &Caller{TenantID: "r1"})

	if got := c.Get(testAPIKey); !got.Hit || got.NeedsRefresh {
		t.Fatalf("expected fresh hit, got %+v", got)
	}

	now = now.Add(2 * time.Minute)
	first := c.Get(testAPIKey)
	second := c.Get(testAPIKey)
	if !first.Hit || !first.NeedsRefresh {
		t.Fatalf("expected stale hit needing refresh, got %+v", first)
	}
	if !second.Hit || second.NeedsRefresh {
		t.Fatalf("only one caller should refresh, got %+v", second)
	}
	if first.Caller.TenantID != "r1" {
		t.Fatalf("stale entry must still be served, got %+v", first.Caller)
	}
}

func TestStaticAuth_TenantHeader(t *testing.T) {
	a := NewStaticAuthenticator("dev-tenant")

	caller, err := a.Authenticate(bearerCtx("anything-goes"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if caller.TenantID != "dev-tenant" {
		t.Fatalf("expected default tenant, got %s", caller.TenantID)
	}

	caller, _ = a.Authenticate(bearerCtx("anything-goes", "x-tenant-id", "r2"))
	if caller.TenantID != "r2" {
		t.Fatalf("expected header tenant, got %s", caller.TenantID)
	}
}

func TestJWTAuth_RoundTrip(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"), "app", "sql-guard")
	token, err := a.Issue("r1", "user_1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	caller, err := a.Authenticate(bearerCtx(token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if caller.TenantID != "r1" || caller.Subject != "user_1" || caller.Method != "jwt" {
		t.Fatalf("unexpected caller %+v", caller)
	}
}

func TestJWTAuth_Rejects(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"), "app", "sql-guard")

	other := NewJWTAuthenticator([]byte("other-secret"), "app", "sql-guard")
	forged, _ := other.Issue("r1", "user_1", time.Minute)

	wrongAudience := NewJWTAuthenticator([]byte("secret"), "app", "someone-else")
	misdirected, _ := wrongAudience.Issue("r1", "user_1", time.Minute)

	expired, _ := a.Issue("r1", "user_1", -time.Hour)
	noTenant, _ := a.Issue("", "user_1", time.Minute)

	for name, token := range map[string]string{
		"forged":    forged,
		"audience":  misdirected,
		"expired":   expired,
		"no tenant": noTenant,
		"not a jwt": "not.a.jwt",
	} {
		if _, err := a.Authenticate(bearerCtx(token)); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestChain_RoutesByTokenShape(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	jwtAuth := NewJWTAuthenticator([]byte("secret"), "", "")
	chain := &Chain{
		APIKeys: newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop()),
		Tokens:  jwtAuth,
	}

	caller, err := chain.Authenticate(bearerCtx(testAPIKey))
	if err != nil || caller.Method != "api_key" {
		t.Fatalf("expected api key caller, got %+v (%v)", caller, err)
	}

	token, _ := jwtAuth.Issue("r2", "user_2", time.Minute)
	caller, err = chain.Authenticate(bearerCtx(token))
	if err != nil || caller.Method != "jwt" || caller.TenantID != "r2" {
		t.Fatalf("expected jwt caller, got %+v (%v)", caller, err)
	}

	keysOnly := &Chain{APIKeys: chain.APIKeys}
	if _, err := keysOnly.Authenticate(bearerCtx(token)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated with no token authenticator, got %v", err)
	}
}

func TestCallerContext(t *testing.T) {
	if CallerFrom(context.Background()) != nil {
		t.Fatal("expected nil caller")
	}
	ctx := WithCaller(context.Background(), &Caller{TenantID: "r1"})
	if CallerFrom(ctx).TenantID != "r1" {
		t.Fatal("expected caller from context")
	}
}
