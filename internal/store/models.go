// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopSessionCache.CheckHealth when Redis is not configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// Roles a user can hold within their firm.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// ProviderGoogle is the only calendar provider stored today.
const ProviderGoogle = "google"

// User represents a row in the users table.
// Nullable columns are pointers: nil means SQL NULL.
type User struct {
	ID           uuid.UUID
	FirmID       uuid.UUID
	Email        string
	PasswordHash *string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session represents a row in the sessions table, joined with the owning user's firm and role.
// Nullable columns are pointers: nil means SQL NULL.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	FirmID    uuid.UUID
	Role      string
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed to build a principal: full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	FirmID    uuid.UUID `json:"firm_id"`
	Role      string    `json:"role"`
	CSRFToken []byte    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credential represents a row in calendar_credentials.
// AccessToken and RefreshToken hold cipher blobs, never plaintext.
type Credential struct {
	UserID       uuid.UUID
	Provider     string
	AccessToken  string
	RefreshToken *string
	ExpiresAt    time.Time
	AccountEmail *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Hearing is a schedulable hearing row joined with its case.
// FirmID comes from the case; hearings have no firm column of their own.
type Hearing struct {
	ID         uuid.UUID
	CaseID     uuid.UUID
	FirmID     uuid.UUID
	CaseNumber *string
	CaseTitle  string
	Title      string
	StartsAt   time.Time
	EndsAt     *time.Time
	Location   *string
	Notes      *string
	UpdatedAt  time.Time
}

// SyncStatus is the outcome of the last sync attempt for a hearing.
type SyncStatus string

const (
	SyncStatusSynced SyncStatus = "SYNCED"
	SyncStatusFailed SyncStatus = "FAILED"
)

// SyncRecord represents a row in calendar_sync_records; one per (hearing, provider).
// Every attempt overwrites the row; there is no history.
type SyncRecord struct {
	HearingID     uuid.UUID
	Provider      string
	RemoteEventID *string
	Status        SyncStatus
	LastError     *string
	LastSyncedAt  time.Time
}

// SyncSummary aggregates sync records over a firm's hearings.
type SyncSummary struct {
	Synced       int
	Failed       int
	LastSyncedAt *time.Time
}
