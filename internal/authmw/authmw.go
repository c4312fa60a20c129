// Package authmw provides HTTP middleware that authenticates callers by their
// tenant webhook key.
package authmw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/tenant"
)

// HeaderKey carries the tenant webhook key.
const HeaderKey = "X-Webhook-Key"

type keyCtx struct{}

// KeyFromRequest returns the webhook key presented by r. The X-Webhook-Key
// header wins over the key query parameter, which wins over a Bearer token.
func KeyFromRequest(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(HeaderKey)); k != "" {
		return k
	}
	if k := strings.TrimSpace(r.URL.Query().Get("key")); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// KeyFromContext returns the key the current tenant was resolved from.
func KeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(keyCtx{}).(string)
	return k
}

// Tenant returns middleware that resolves the request's webhook key and stores
// the tenant in the request context. Unknown or missing keys get 401; resolver
// failures get 500.
func Tenant(resolver tenant.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := KeyFromRequest(r)
			if key == "" {
				writeError(w, "missing webhook key", http.StatusUnauthorized)
				return
			}

			t, err := resolver.Resolve(r.Context(), key)
			switch {
			case errors.Is(err, tenant.ErrNotFound):
				writeError(w, "invalid webhook key", http.StatusUnauthorized)
				return
			case err != nil:
				log.FromContext(r.Context()).Error(r.Context(), err, "tenant resolution failed")
				writeError(w, "internal error", http.StatusInternalServerError)
				return
			}

			ctx := tenant.WithContext(r.Context(), t)
			ctx = context.WithValue(ctx, keyCtx{}, key)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("tenant_id", t.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
