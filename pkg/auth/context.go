// Package auth carries the HTTP ingress middleware: JWT principals,
// request ids, rate limiting, HMAC request signatures, and the outbound
// security headers.
package auth

import (
	"context"
	"errors"
)

// Principal is the authenticated caller.
type Principal struct {
	ID          string
	Email       string
	WorkspaceID string
	Roles       []string
	System      bool
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the principal from the context.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}
