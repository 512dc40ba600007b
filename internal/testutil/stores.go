// stores.go

// In-memory fakes for the Postgres and Redis backed interfaces. Lookups that
// find nothing answer the way the real stores do: pgx.ErrNoRows for Postgres
// and store.ErrCacheMiss for the cache. Set an *Err field to force a failure.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/casedesk/docket/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// sessionTable is a token-hash keyed map shared by the session fakes.
// Reads return copies so callers cannot mutate stored rows.
type sessionTable[S any] struct {
	mu    sync.Mutex
	rows  map[string]*S
	owner func(*S) uuid.UUID
}

func newSessionTable[S any](owner func(*S) uuid.UUID) *sessionTable[S] {
	return &sessionTable[S]{rows: make(map[string]*S), owner: owner}
}

func (t *sessionTable[S]) put(tokenHash []byte, row *S) {
	t.mu.Lock()
	t.rows[string(tokenHash)] = row
	t.mu.Unlock()
}

func (t *sessionTable[S]) get(tokenHash []byte) (*S, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[string(tokenHash)]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

func (t *sessionTable[S]) remove(tokenHash []byte) {
	t.mu.Lock()
	delete(t.rows, string(tokenHash))
	t.mu.Unlock()
}

func (t *sessionTable[S]) removeUser(userID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, row := range t.rows {
		if t.owner(row) == userID {
			delete(t.rows, key)
		}
	}
}

func (t *sessionTable[S]) all() []S {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]S, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, *row)
	}
	return out
}

func (t *sessionTable[S]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// MockStore fakes *store.PostgresStore for users and sessions.
// Users is keyed by lowercase email and may be edited directly by tests.
type MockStore struct {
	GetUserByEmailErr    error
	CreateSessionErr     error
	GetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error
	HealthErr            error

	Users map[string]*store.User

	usersMu  sync.Mutex
	sessions *sessionTable[store.Session]
}

// NewMockStore returns a MockStore holding users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:    make(map[string]*store.User, len(users)),
		sessions: newSessionTable(func(s *store.Session) uuid.UUID { return s.UserID }),
	}
	for _, u := range users {
		ms.Users[strings.ToLower(u.Email)] = u
	}
	return ms
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserByEmailErr != nil {
		return nil, m.GetUserByEmailErr
	}
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if u, ok := m.Users[strings.ToLower(email)]; ok {
		return u, nil
	}
	return nil, pgx.ErrNoRows
}

// CreateSession stores the row with the owner's firm and role joined in,
// as the Postgres lookup query does.
func (m *MockStore) CreateSession(_ context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, expiresAt time.Time, ip, userAgent *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	row := &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CSRFToken: csrfToken,
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	m.usersMu.Lock()
	for _, u := range m.Users {
		if u.ID == userID {
			row.FirmID, row.Role = u.FirmID, u.Role
			break
		}
	}
	m.usersMu.Unlock()
	m.sessions.put(tokenHash, row)
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	if s, ok := m.sessions.get(tokenHash); ok {
		return s, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.sessions.remove(tokenHash)
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.sessions.removeUser(userID)
	return nil
}

func (m *MockStore) CheckHealth(context.Context) error { return m.HealthErr }

// SessionCount returns the number of stored sessions.
func (m *MockStore) SessionCount() int { return m.sessions.len() }

// SessionRows returns copies of every stored session.
func (m *MockStore) SessionRows() []store.Session {
	return m.sessions.all()
}

// MockCache fakes the Redis session cache. TTLs are accepted but not enforced;
// a non-positive TTL is a no-op, like RedisStore.SetSession.
type MockCache struct {
	GetSessionErr        error
	SetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error
	HealthErr            error

	sessions *sessionTable[store.CachedSession]
}

// NewMockCache returns an empty MockCache.
func NewMockCache() *MockCache {
	return &MockCache{
		sessions: newSessionTable(func(s *store.CachedSession) uuid.UUID { return s.UserID }),
	}
}

func (m *MockCache) GetSession(_ context.Context, tokenHash []byte) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	if s, ok := m.sessions.get(tokenHash); ok {
		return s, nil
	}
	return nil, store.ErrCacheMiss
}

func (m *MockCache) SetSession(_ context.Context, tokenHash []byte, cached store.CachedSession, ttl time.Duration) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	if ttl > 0 {
		m.sessions.put(tokenHash, &cached)
	}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash []byte, _ uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.sessions.remove(tokenHash)
	return nil
}

func (m *MockCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.sessions.removeUser(userID)
	return nil
}

func (m *MockCache) CheckHealth(context.Context) error { return m.HealthErr }

// Has reports whether tokenHash is cached.
func (m *MockCache) Has(tokenHash []byte) bool {
	_, ok := m.sessions.get(tokenHash)
	return ok
}

// MockNonceCache fakes the Redis SETNX nonce cache.
type MockNonceCache struct {
	Err  error
	seen sync.Map
}

func (m *MockNonceCache) ConsumeNonce(_ context.Context, nonce string, _ time.Duration) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	_, loaded := m.seen.LoadOrStore(nonce, struct{}{})
	return !loaded, nil
}
