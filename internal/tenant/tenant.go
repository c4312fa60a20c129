// Package tenant resolves the opaque webhook keys callers present into the
// tenant that owns them. It is the only authentication ingestion performs.
package tenant

import (
	"context"
	"errors"
)

// ErrNotFound covers unknown, empty and malformed keys alike so callers
// cannot tell which one they sent.
var ErrNotFound = errors.New("tenant not found")

// Tenant is an isolated customer scope. Every incident belongs to exactly one.
type Tenant struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Resolver maps an opaque key to its tenant. Implementations never mutate state
// visible to other callers.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*Tenant, error)
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying t.
func WithContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the tenant resolved for the current request, if any.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Tenant)
	return t, ok && t != nil
}
