package authn

import (
	"context"
	"net/http"
	"strings"

	"github.com/asyncgate/asyncgate/internal/apierr"
	"github.com/asyncgate/asyncgate/internal/principal"
)

type contextKey int

const (
	tenantKey contextKey = iota
	principalKey
)

// WithCaller stores the resolved tenant and Principal on ctx.
func WithCaller(ctx context.Context, tenantID string, p principal.Principal) context.Context {
	ctx = context.WithValue(ctx, tenantKey, tenantID)
	return context.WithValue(ctx, principalKey, p)
}

// TenantFromContext returns the tenant a request was authenticated for.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantKey).(string)
	return tenantID, ok
}

// CallerFromContext returns the Principal a request was authenticated as.
func CallerFromContext(ctx context.Context) (principal.Principal, bool) {
	p, ok := ctx.Value(principalKey).(principal.Principal)
	return p, ok
}

var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// Middleware authenticates every request's Authorization bearer token and
// populates its context with the resolved tenant and Principal, failing
// closed (401) on anything it cannot verify. Adapted from
// pkg/auth/middleware.go's NewMiddleware.
func Middleware(tm *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				apierr.Write(w, r, http.StatusUnauthorized, "Unauthorized", "expected 'Authorization: Bearer <token>'")
				return
			}

			tenantID, p, err := tm.Authenticate(parts[1])
			if err != nil {
				apierr.Write(w, r, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
				return
			}

			ctx := WithCaller(r.Context(), tenantID, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
