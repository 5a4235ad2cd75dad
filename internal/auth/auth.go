// Package auth identifies the caller of the gRPC API and binds it to a tenant.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Authenticator validates incoming requests and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Caller, error)
}

// Caller is an authenticated identity. TenantID scopes every query it runs.
type Caller struct {
	ProjectID string
	TenantID  string
	Subject   string
	Method    string // "api_key", "jwt" or "static"
}

var (
	// ErrUnauthenticated is returned when no valid credentials are found.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAuthUnavailable is returned when credentials cannot be checked.
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// APIKeyPrefix marks project API keys; other bearer tokens are treated as JWTs.
const APIKeyPrefix = "tsk_"

// ExtractBearerToken returns the bearer token from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(values[0])
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// IsAPIKey reports whether token has the project API key shape.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix) && len(token) >= 8
}

// Chain routes API keys and JWTs to their authenticators. A nil member
// rejects that credential type.
type Chain struct {
	APIKeys Authenticator
	Tokens  Authenticator
}

func (c *Chain) Authenticate(ctx context.Context) (*Caller, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	next := c.Tokens
	if IsAPIKey(token) {
		next = c.APIKeys
	}
	if next == nil {
		return nil, ErrUnauthenticated
	}
	return next.Authenticate(ctx)
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by the server interceptor, or nil.
func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}
