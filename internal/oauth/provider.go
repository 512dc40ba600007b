// provider.go -- Calendar provider interface and shared types.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidGrant means the provider rejected a refresh token or code outright.
// The user must reconnect; retrying will not help.
var ErrInvalidGrant = errors.New("invalid grant")

// Token is the credential material returned by a code exchange or refresh.
// AccountEmail is only set on exchange, from the verified id_token.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	AccountEmail string
}

// Event is the provider-neutral payload for a calendar event.
type Event struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	// Reference is stored on the remote event so it can be traced back locally.
	Reference string
}

// ProviderError is a failed call to the remote provider.
// StatusCode is 0 for transport failures.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NotFound reports whether the remote resource no longer exists.
func (e *ProviderError) NotFound() bool {
	return e.StatusCode == 404 || e.StatusCode == 410
}

// Unauthorized reports whether the provider rejected the credential.
func (e *ProviderError) Unauthorized() bool {
	return e.StatusCode == 401 || errors.Is(e.Err, ErrInvalidGrant)
}

// CalendarProvider is an OAuth2 calendar service.
// PKCE (RFC 7636) is required: callers pass the code_verifier to both AuthCodeURL
// (which derives the S256 challenge) and Exchange.
type CalendarProvider interface {
	// Name returns the provider identifier stored in the DB.
	Name() string

	// AuthCodeURL returns the consent URL with state and the S256 challenge for verifier.
	AuthCodeURL(state, codeVerifier string) string

	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, code, codeVerifier string) (*Token, error)

	// Refresh obtains a new access token. RefreshToken in the result may be empty.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)

	// Revoke invalidates a token at the provider.
	Revoke(ctx context.Context, token string) error

	// CreateEvent creates an event and returns its remote id.
	CreateEvent(ctx context.Context, accessToken string, ev Event) (string, error)

	// UpdateEvent replaces the event with the given remote id.
	UpdateEvent(ctx context.Context, accessToken, eventID string, ev Event) error

	// Ping verifies the access token can reach the target calendar.
	Ping(ctx context.Context, accessToken string) error
}
