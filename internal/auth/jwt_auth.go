package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TenantClaims are the claims a caller JWT must carry.
type TenantClaims struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator accepts HMAC-signed tokens issued by the application
// backend on behalf of an end user.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTAuthenticator creates an authenticator for HS256 tokens. Empty issuer
// or audience skips that check.
func NewJWTAuthenticator(secret []byte, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer, audience: audience, leeway: 30 * time.Second}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*Caller, error) {
	raw, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := a.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Caller{
		ProjectID: claims.ProjectID,
		TenantID:  claims.TenantID,
		Subject:   claims.Subject,
		Method:    "jwt",
	}, nil
}

// Parse verifies raw and returns its claims.
func (a *JWTAuthenticator) Parse(raw string) (*TenantClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &TenantClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("JWTAuthenticator.Parse: %w: %v", ErrUnauthenticated, err)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("JWTAuthenticator.Parse: %w: token has no tenant_id", ErrUnauthenticated)
	}
	return claims, nil
}

// Issue signs a token for tenantID. Used by the CLI and tests.
func (a *JWTAuthenticator) Issue(tenantID, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
