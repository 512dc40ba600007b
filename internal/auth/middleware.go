// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const principalKey contextKey = "principal"
const cookieAuthKey contextKey = "cookie_auth"

// PrincipalFromContext retrieves the authenticated principal from context.
// Returns nil and false if RequireAuth hasn't run.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// withCookieAuth marks whether the session token arrived in a cookie.
func withCookieAuth(ctx context.Context, fromCookie bool) context.Context {
	return context.WithValue(ctx, cookieAuthKey, fromCookie)
}

func cookieAuthFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(cookieAuthKey).(bool)
	return v
}

// sessionToken extracts the raw token from the session cookie or an
// Authorization: Bearer header. The cookie wins when both are present.
// Only the cookie name matching secure is read, so a plain "session" cookie
// cannot stand in for __Host-session.
func sessionToken(r *http.Request, secure bool) (token string, fromCookie bool) {
	if c, err := r.Cookie(sessionCookieName(secure)); err == nil && c.Value != "" {
		return c.Value, true
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value), false
		}
	}
	return "", false
}

// RequireAuth resolves the session token to a principal and injects it into context.
// Returns 401 on any failure; the reason is only logged.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, fromCookie := sessionToken(r, h.CookieSecure)
		if token == "" {
			logWarn(r, "require auth failed", "reason", "missing_session_token")
			Unauthorized(w, r, "unauthorized")
			return
		}

		p, err := h.Sessions.Resolve(r.Context(), token)
		if err != nil {
			logError(r, "require auth failed resolving session", "error", err)
			Unauthorized(w, r, "unauthorized")
			return
		}
		if p == nil {
			logWarn(r, "require auth failed", "reason", "session_not_found")
			Unauthorized(w, r, "unauthorized")
			return
		}

		ctx := WithPrincipal(r.Context(), p)
		ctx = withCookieAuth(ctx, fromCookie)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
