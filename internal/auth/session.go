// session.go

// Opaque-token session issuance, lookup and revocation.
// Postgres is the source of truth; the cache is a read-through fast path.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casedesk/docket/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// DefaultSessionTTL is how long an issued session stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

// SessionPersistence defines the durable session operations.
// Satisfied by *store.PostgresStore.
type SessionPersistence interface {
	// CreateSession inserts new session row with token hash and CSRF token.
	CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, expiresAt time.Time, ip, userAgent *string) error

	// GetSessionByTokenHash fetches a session (expired or not) by token hash.
	// Returns pgx.ErrNoRows if not found.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// DeleteSession removes single session row by token hash.
	DeleteSession(ctx context.Context, tokenHash []byte) error

	// DeleteAllUserSessions removes all sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// SessionCache defines session cache operations.
// Satisfied by *store.RedisStore and store.NoopSessionCache.
type SessionCache interface {
	// GetSession retrieves cached session by token hash. Returns store.ErrCacheMiss when absent.
	GetSession(ctx context.Context, tokenHash []byte) (*store.CachedSession, error)

	// SetSession caches session with given TTL.
	SetSession(ctx context.Context, tokenHash []byte, cached store.CachedSession, ttl time.Duration) error

	// DeleteSession removes session and its entry in the user tracking set.
	DeleteSession(ctx context.Context, tokenHash []byte, userID uuid.UUID) error

	// DeleteAllUserSessions removes all cached sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// Principal is the authenticated user resolved from a session token.
type Principal struct {
	UserID    uuid.UUID
	FirmID    uuid.UUID
	Role      string
	ExpiresAt time.Time
	CSRFToken []byte
	TokenHash []byte
}

// IsAdmin reports whether the principal administers their firm.
func (p *Principal) IsAdmin() bool { return p.Role == store.RoleAdmin }

// ClientInfo is optional request metadata stored alongside a session.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// IssuedSession is returned once at login. Token is never stored server-side.
type IssuedSession struct {
	Token     string
	CSRFToken string
	ExpiresAt time.Time
}

// SessionStore issues, resolves and revokes opaque session tokens.
// Safe for concurrent use.
type SessionStore struct {
	PS    SessionPersistence
	Cache SessionCache
	TTL   time.Duration
	Now   func() time.Time
	Log   *slog.Logger
}

// NewSessionStore returns a store issuing sessions valid for ttl (DefaultSessionTTL if zero).
// A nil cache disables caching.
func NewSessionStore(ps SessionPersistence, cache SessionCache, ttl time.Duration) *SessionStore {
	if cache == nil {
		cache = store.NoopSessionCache{}
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{PS: ps, Cache: cache, TTL: ttl, Now: time.Now, Log: slog.Default()}
}

// GenerateToken returns 256-bit random session token and its SHA-256 hash.
// Token goes in the cookie; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// HashToken decodes a client-presented token and returns its SHA-256.
// Returns false if the token is not a well-formed 32-byte value.
func HashToken(token string) ([]byte, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	h := sha256.Sum256(raw)
	return h[:], true
}

// Issue creates a session for userID and returns the raw token.
func (s *SessionStore) Issue(ctx context.Context, userID uuid.UUID, client ClientInfo) (*IssuedSession, error) {
	token, tokenHash, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	csrfToken, err := GenerateCSRFToken()
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	expiresAt := s.Now().Add(s.TTL)
	var ip, ua *string
	if client.IP != "" {
		ip = &client.IP
	}
	if client.UserAgent != "" {
		ua = &client.UserAgent
	}
	if err := s.PS.CreateSession(ctx, sessionID, userID, tokenHash[:], csrfToken[:], expiresAt, ip, ua); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return &IssuedSession{
		Token:     base64.RawURLEncoding.EncodeToString(token[:]),
		CSRFToken: base64.RawURLEncoding.EncodeToString(csrfToken[:]),
		ExpiresAt: expiresAt,
	}, nil
}

// Resolve returns the principal for token, or nil if there is no valid session.
// An expired session is deleted and reported as absent.
// Errors are returned only for infrastructure failures.
func (s *SessionStore) Resolve(ctx context.Context, token string) (*Principal, error) {
	tokenHash, ok := HashToken(token)
	if !ok {
		return nil, nil
	}
	now := s.Now()

	cached, err := s.Cache.GetSession(ctx, tokenHash)
	if err == nil {
		if cached.ExpiresAt.After(now) {
			return &Principal{
				UserID:    cached.UserID,
				FirmID:    cached.FirmID,
				Role:      cached.Role,
				ExpiresAt: cached.ExpiresAt,
				CSRFToken: cached.CSRFToken,
				TokenHash: tokenHash,
			}, nil
		}
		s.purge(ctx, tokenHash, cached.UserID)
		return nil, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		// Real cache failure; Postgres is the fallback but this warrants attention.
		s.Log.Error("session cache lookup failed, falling back to postgres", "error", err)
	}

	sess, err := s.PS.GetSessionByTokenHash(ctx, tokenHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	if !sess.ExpiresAt.After(now) {
		s.purge(ctx, tokenHash, sess.UserID)
		return nil, nil
	}

	// Repopulate cache, non-fatal on failure.
	if err := s.Cache.SetSession(ctx, tokenHash, store.CachedSession{
		UserID:    sess.UserID,
		FirmID:    sess.FirmID,
		Role:      sess.Role,
		CSRFToken: sess.CSRFToken,
		ExpiresAt: sess.ExpiresAt,
	}, sess.ExpiresAt.Sub(now)); err != nil {
		s.Log.Warn("failed to repopulate session cache", "error", err)
	}

	return &Principal{
		UserID:    sess.UserID,
		FirmID:    sess.FirmID,
		Role:      sess.Role,
		ExpiresAt: sess.ExpiresAt,
		CSRFToken: sess.CSRFToken,
		TokenHash: tokenHash,
	}, nil
}

// purge lazily deletes an expired session. Failures are logged; the session
// is reported absent either way.
func (s *SessionStore) purge(ctx context.Context, tokenHash []byte, userID uuid.UUID) {
	if err := s.Cache.DeleteSession(ctx, tokenHash, userID); err != nil {
		s.Log.Warn("failed to delete expired session from cache", "error", err)
	}
	if err := s.PS.DeleteSession(ctx, tokenHash); err != nil {
		s.Log.Warn("failed to delete expired session", "error", err)
	}
}

// Revoke ends the session for token. Unknown or malformed tokens are a no-op.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	tokenHash, ok := HashToken(token)
	if !ok {
		return nil
	}
	var userID uuid.UUID
	if sess, err := s.PS.GetSessionByTokenHash(ctx, tokenHash); err == nil {
		userID = sess.UserID
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("fetching session: %w", err)
	}
	return s.RevokeHash(ctx, tokenHash, userID)
}

// RevokeHash ends a session already resolved to a principal.
// Cache deletion is non-fatal; Postgres deletion is not.
func (s *SessionStore) RevokeHash(ctx context.Context, tokenHash []byte, userID uuid.UUID) error {
	if err := s.Cache.DeleteSession(ctx, tokenHash, userID); err != nil {
		s.Log.Warn("failed to delete session from cache", "error", err)
	}
	if err := s.PS.DeleteSession(ctx, tokenHash); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// RevokeAll ends every session belonging to userID.
func (s *SessionStore) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.Cache.DeleteAllUserSessions(ctx, userID); err != nil {
		s.Log.Warn("failed to delete all sessions from cache", "error", err)
	}
	if err := s.PS.DeleteAllUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("deleting all sessions: %w", err)
	}
	return nil
}
