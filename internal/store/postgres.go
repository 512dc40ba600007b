// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup, user and session queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable store for users, sessions, credentials and sync records.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUserByEmail fetches a user for login. Email match is case-insensitive.
// Returns pgx.ErrNoRows if no such user.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, firm_id, email, password_hash, role, created_at, updated_at
		FROM users WHERE lower(email) = lower($1)
	`, email).Scan(&u.ID, &u.FirmID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateSession inserts a session row. Only the SHA-256 of the token is stored.
func (s *PostgresStore) CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, expiresAt time.Time, ip, userAgent *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, csrf_token, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, userID, tokenHash, csrfToken, expiresAt, ip, userAgent)
	return err
}

// GetSessionByTokenHash fetches a session with its user's firm and role.
// Expired rows are returned too: expiry is enforced (and the row purged) by the caller.
// Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.user_id, u.firm_id, u.role, s.token_hash, s.csrf_token,
			s.expires_at, host(s.ip_address), s.user_agent, s.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1
	`, tokenHash).Scan(
		&sess.ID, &sess.UserID, &sess.FirmID, &sess.Role, &sess.TokenHash, &sess.CSRFToken,
		&sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a single session row by token hash. Deleting a missing row is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	return err
}

// DeleteAllUserSessions removes every session for a user.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID)
	return err
}

// CleanupExpiredSessions deletes sessions that expired more than retention ago.
// Returns the number of rows deleted.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < $1",
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
