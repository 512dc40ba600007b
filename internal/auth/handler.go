// handler.go -- HTTP handlers for login, logout and logout-all.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/casedesk/docket/internal/ratelimit"
	"github.com/casedesk/docket/internal/store"
	"github.com/jackc/pgx/v5"
)

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore.
type Store interface {
	// GetUserByEmail fetches user by email (case-insensitive) for login verification.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// CheckHealth pings the database.
	CheckHealth(ctx context.Context) error
}

// HealthChecker is a dependency that can report its own health.
// Satisfied by *store.RedisStore and store.NoopSessionCache.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// dummyPasswordHash is a precomputed Argon2id hash for timing attack mitigation.
// When a user doesn't exist, verify against this so both paths take equal time (~100ms).
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=2$YWJjZGVmZ2hpamtsbW5vcA$kC6C6jqLzC0JLlJgXhHbKMhLLpVvLJLLQw/IqT9ZYPU"

// loginKeyPrefix namespaces login failures in the rate limiter.
const loginKeyPrefix = "login:email:"

// AuthHandler holds dependencies for the session HTTP handlers and middleware.
type AuthHandler struct {
	PS       Store
	RS       HealthChecker
	Sessions *SessionStore
	RL       ratelimit.Limiter

	// CookieSecure selects the __Host- cookie names and the Secure attribute.
	CookieSecure bool
}

// loginResponse is returned on successful login. The CSRF token must be echoed
// in X-CSRF-Token on state-changing requests made with the session cookie.
type loginResponse struct {
	UserID    string `json:"user_id"`
	CSRFToken string `json:"csrf_token"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

// LoginByEmail handles POST /login/email: email + password authentication.
// Returns 200 with user_id and CSRF token, 401 for bad credentials, 429 while
// the email is locked out, 500 for server errors.
// Argon2id dummy-hash equalises timing when account doesn't exist.
func (h *AuthHandler) LoginByEmail(w http.ResponseWriter, r *http.Request) {
	var loginInput struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		// Bearer asks for the raw token in the body, for non-browser clients.
		Bearer bool `json:"bearer"`
	}

	if err := json.NewDecoder(r.Body).Decode(&loginInput); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := NormalizeEmail(loginInput.Email)

	// Invalid email or missing password -- both return generic 401 (no enumeration).
	if err := ValidateEmail(email); err != nil {
		logDebug(r, "login rejected before lookup", "error", err)
		Unauthorized(w, r, "invalid credentials")
		return
	}
	if loginInput.Password == "" || len(loginInput.Password) > MaxPasswordLen {
		Unauthorized(w, r, "invalid credentials")
		return
	}

	// Checked before any DB work -- limited requests never reach Argon2id.
	key := loginKeyPrefix + email
	if err := ratelimit.Check(r.Context(), h.RL, key); err != nil {
		var limited *ratelimit.LimitedError
		if errors.As(err, &limited) {
			logInfo(r, "login rate limited", "retry_after", limited.RetryAfterSeconds())
			TooManyRequests(w, limited.RetryAfterSeconds())
			return
		}
		InternalServerError(w, r, err)
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			InternalServerError(w, r, err)
			return
		}
		// Run dummy hash to equalise timing with found-user path.
		VerifyPassword(loginInput.Password, dummyPasswordHash)
		logInfo(r, "login attempted with non-existent email")
		h.recordLoginFailure(r, key)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	if user.PasswordHash == nil {
		// Account without a password (provisioned elsewhere); same cost, same answer.
		VerifyPassword(loginInput.Password, dummyPasswordHash)
		logInfo(r, "login attempted on account without password", "user_id", user.ID)
		h.recordLoginFailure(r, key)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	valid, err := VerifyPassword(loginInput.Password, *user.PasswordHash)
	if err != nil {
		logError(r, "password verification failed", "error", err)
		InternalServerError(w, r, err)
		return
	}
	if !valid {
		logInfo(r, "login attempted with incorrect password", "user_id", user.ID)
		h.recordLoginFailure(r, key)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	if err := h.RL.Clear(r.Context(), key); err != nil {
		logWarn(r, "failed to clear login rate limit", "error", err)
	}

	issued, err := h.Sessions.Issue(r.Context(), user.ID, clientInfo(r))
	if err != nil {
		logError(r, "failed to issue session", "error", err)
		InternalServerError(w, r, err)
		return
	}

	SetSessionCookie(w, issued.Token, issued.ExpiresAt, h.CookieSecure)
	logInfo(r, "user logged in successfully", "user_id", user.ID, "firm_id", user.FirmID)

	resp := loginResponse{
		UserID:    user.ID.String(),
		CSRFToken: issued.CSRFToken,
		ExpiresAt: issued.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if loginInput.Bearer {
		resp.Token = issued.Token
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// recordLoginFailure counts a failed login. Limiter errors are logged only;
// the caller already answers 401.
func (h *AuthHandler) recordLoginFailure(r *http.Request, key string) {
	attempts, err := h.RL.RecordFailure(r.Context(), key)
	if err != nil {
		logWarn(r, "failed to record login failure", "error", err)
		return
	}
	logDebug(r, "login failure recorded", "attempts", attempts)
}

// clientInfo extracts the client IP (without port) and user agent.
func clientInfo(r *http.Request) ClientInfo {
	// RemoteAddr includes port; the INET column expects bare IP.
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return ClientInfo{IP: ip, UserAgent: r.UserAgent()}
}

// Logout handles POST /logout: ends authenticated session.
// Deletes from cache (non-fatal) then Postgres (fatal), clears cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		logError(r, "logout called without principal in context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.Sessions.RevokeHash(r.Context(), p.TokenHash, p.UserID); err != nil {
		logError(r, "failed to revoke session", "error", err)
		InternalServerError(w, r, err)
		return
	}

	ClearSessionCookie(w, h.CookieSecure)
	logInfo(r, "user logged out", "user_id", p.UserID)
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all: ends every session for the authenticated user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		logError(r, "logout-all called without principal in context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.Sessions.RevokeAll(r.Context(), p.UserID); err != nil {
		logError(r, "failed to revoke all sessions", "error", err)
		InternalServerError(w, r, err)
		return
	}

	ClearSessionCookie(w, h.CookieSecure)
	logInfo(r, "user logged out of all devices", "user_id", p.UserID)
	OK(w, "logged out of all devices")
}
