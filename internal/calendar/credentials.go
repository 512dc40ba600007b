// credentials.go -- Encrypted-at-rest OAuth credentials for the calendar provider.
//
// Tokens pass through the cipher before they reach the repository and are
// decrypted on read. Presence checks never decrypt.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casedesk/docket/internal/cipher"
	"github.com/casedesk/docket/internal/oauth"
	"github.com/casedesk/docket/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"
)

// refreshSkew treats tokens this close to expiry as already expired.
const refreshSkew = time.Minute

// refreshTimeout bounds a shared refresh, which outlives any single caller's context.
const refreshTimeout = 30 * time.Second

// CredentialRepository persists encrypted credentials.
// Satisfied by *store.PostgresStore.
type CredentialRepository interface {
	UpsertCredential(ctx context.Context, c store.Credential) error
	GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*store.Credential, error)
	CredentialExists(ctx context.Context, userID uuid.UUID, provider string) (bool, error)
	DeleteCredential(ctx context.Context, userID uuid.UUID, provider string) error
}

// Credential is a decrypted credential. Never log it.
type Credential struct {
	UserID       uuid.UUID
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountEmail string
}

// Expired reports whether the access token is expired (or about to be) at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now.Add(refreshSkew))
}

// ConnectionInfo is non-secret credential metadata.
type ConnectionInfo struct {
	AccountEmail string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// CredentialStore persists calendar credentials per user, one per provider.
type CredentialStore struct {
	repo     CredentialRepository
	cipher   *cipher.TokenCipher
	provider oauth.CalendarProvider
	log      *slog.Logger
	now      func() time.Time
	refresh  singleflight.Group
}

// NewCredentialStore wires a store for provider's credentials.
func NewCredentialStore(repo CredentialRepository, c *cipher.TokenCipher, provider oauth.CalendarProvider, log *slog.Logger) *CredentialStore {
	if log == nil {
		log = slog.Default()
	}
	return &CredentialStore{
		repo:     repo,
		cipher:   c,
		provider: provider,
		log:      log.With("module", "calendar.credentials", "provider", provider.Name()),
		now:      time.Now,
	}
}

// Store encrypts and persists tokens for userID, replacing any existing credential.
// An empty accountEmail keeps the previously recorded one.
func (s *CredentialStore) Store(ctx context.Context, userID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, accountEmail string) error {
	encAccess, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	c := store.Credential{
		UserID:      userID,
		Provider:    s.provider.Name(),
		AccessToken: encAccess,
		ExpiresAt:   expiresAt,
	}
	if refreshToken != "" {
		encRefresh, err := s.cipher.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
		c.RefreshToken = &encRefresh
	}
	if accountEmail != "" {
		c.AccountEmail = &accountEmail
	}
	if err := s.repo.UpsertCredential(ctx, c); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Load returns the decrypted credential, or nil if the user never connected.
// Returns a *RetrievalError if the stored blobs fail to decrypt.
func (s *CredentialStore) Load(ctx context.Context, userID uuid.UUID) (*Credential, error) {
	row, err := s.repo.GetCredential(ctx, userID, s.provider.Name())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	access, err := s.cipher.Decrypt(row.AccessToken)
	if err != nil {
		s.log.Error("credential decryption failed", "operation", "load", "user_id", userID, "field", "access_token", "error", err)
		return nil, &RetrievalError{UserID: userID, Err: err}
	}
	c := &Credential{
		UserID:      userID,
		AccessToken: access,
		ExpiresAt:   row.ExpiresAt,
	}
	if row.RefreshToken != nil {
		refresh, err := s.cipher.Decrypt(*row.RefreshToken)
		if err != nil {
			s.log.Error("credential decryption failed", "operation", "load", "user_id", userID, "field", "refresh_token", "error", err)
			return nil, &RetrievalError{UserID: userID, Err: err}
		}
		c.RefreshToken = refresh
	}
	if row.AccountEmail != nil {
		c.AccountEmail = *row.AccountEmail
	}
	return c, nil
}

// IsConnected reports whether a credential exists. It never decrypts.
func (s *CredentialStore) IsConnected(ctx context.Context, userID uuid.UUID) (bool, error) {
	ok, err := s.repo.CredentialExists(ctx, userID, s.provider.Name())
	if err != nil {
		return false, fmt.Errorf("checking connection: %w", err)
	}
	return ok, nil
}

// Info returns non-secret metadata for the stored credential, or nil if none.
func (s *CredentialStore) Info(ctx context.Context, userID uuid.UUID) (*ConnectionInfo, error) {
	row, err := s.repo.GetCredential(ctx, userID, s.provider.Name())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	info := &ConnectionInfo{ExpiresAt: row.ExpiresAt, UpdatedAt: row.UpdatedAt}
	if row.AccountEmail != nil {
		info.AccountEmail = *row.AccountEmail
	}
	return info, nil
}

// Revoke deletes the local credential. The remote token is revoked first on a
// best-effort basis; local deletion proceeds whatever the remote outcome.
func (s *CredentialStore) Revoke(ctx context.Context, userID uuid.UUID) error {
	c, err := s.Load(ctx, userID)
	switch {
	case err != nil:
		s.log.Warn("skipping remote revoke, credential unreadable", "operation", "revoke", "user_id", userID, "error", err)
	case c != nil:
		token := c.RefreshToken
		if token == "" {
			token = c.AccessToken
		}
		if err := s.provider.Revoke(ctx, token); err != nil {
			s.log.Warn("remote token revoke failed", "operation", "revoke", "user_id", userID, "error", err)
		}
	}

	if err := s.repo.DeleteCredential(context.WithoutCancel(ctx), userID, s.provider.Name()); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	s.log.Info("calendar credential revoked", "operation", "revoke", "outcome", "success", "user_id", userID)
	return nil
}

// expiry returns the token's expiry, assuming an hour when the provider omits it.
func (s *CredentialStore) expiry(tok *oauth.Token) time.Time {
	if tok.Expiry.IsZero() {
		return s.now().Add(time.Hour)
	}
	return tok.Expiry
}

// AccessToken returns a usable access token for userID, refreshing it first if
// it has expired. Concurrent refreshes for one user share a single provider call.
func (s *CredentialStore) AccessToken(ctx context.Context, userID uuid.UUID) (string, error) {
	c, err := s.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrNotConnected
	}
	if !c.Expired(s.now()) {
		return c.AccessToken, nil
	}
	if c.RefreshToken == "" {
		return "", ErrTokenExpired
	}

	ch := s.refresh.DoChan(userID.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refreshToken(rctx, c)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			s.log.Debug("shared in-flight token refresh", "operation", "refresh", "user_id", userID)
		}
		return res.Val.(string), nil
	}
}

func (s *CredentialStore) refreshToken(ctx context.Context, c *Credential) (string, error) {
	tok, err := s.provider.Refresh(ctx, c.RefreshToken)
	if err != nil {
		s.log.Warn("token refresh failed", "operation", "refresh", "outcome", "failure", "user_id", c.UserID, "error", err)
		var pe *oauth.ProviderError
		if errors.As(err, &pe) && pe.Unauthorized() {
			return "", fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return "", err
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = c.RefreshToken
	}
	if err := s.Store(ctx, c.UserID, tok.AccessToken, refresh, s.expiry(tok), ""); err != nil {
		return "", err
	}
	s.log.Info("access token refreshed", "operation", "refresh", "outcome", "success", "user_id", c.UserID)
	return tok.AccessToken, nil
}
