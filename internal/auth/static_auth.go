package auth

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// StaticAuthenticator is a development-only authenticator that accepts any
// bearer token and takes the tenant from the x-tenant-id header.
type StaticAuthenticator struct {
	defaultTenant string
}

func NewStaticAuthenticator(defaultTenant string) *StaticAuthenticator {
	return &StaticAuthenticator{defaultTenant: defaultTenant}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Caller, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	tenant := a.defaultTenant
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-tenant-id"); len(v) > 0 && v[0] != "" {
			tenant = v[0]
		}
	}
	subject := token
	if len(subject) > 8 {
		subject = subject[:8]
	}
	return &Caller{
		ProjectID: "static-" + subject,
		TenantID:  tenant,
		Subject:   subject,
		Method:    "static",
	}, nil
}
