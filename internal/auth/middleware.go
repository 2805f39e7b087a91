package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignite/mailsched/internal/pkg/httputil"
)

type contextKey struct{}

var principalKey contextKey

// FromContext returns the authenticated principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// WithPrincipal is used by tests to fabricate an authenticated context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// RequireAuth validates the session from the cookie or an Authorization
// bearer header and threads the principal through the request context.
// Requests without a valid session get a 401 envelope.
func (m *Manager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := m.sessionFrom(r)
		if raw == "" {
			httputil.Unauthorized(w, "authentication required")
			return
		}

		principal, err := ParseToken([]byte(m.cfg.JWTSecret), raw)
		if err != nil {
			httputil.Unauthorized(w, "invalid or expired session")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (m *Manager) sessionFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(m.cfg.CookieName); err == nil {
		return c.Value
	}
	return ""
}
