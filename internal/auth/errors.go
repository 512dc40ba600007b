package auth

import "errors"

// ErrUnauthorized matches every *AuthError via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// AuthError is a missing, invalid or expired session or OAuth state.
// Reason is for logs only; clients always see a generic "unauthorized".
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "unauthorized: " + e.Reason + ": " + e.Err.Error()
	}
	return "unauthorized: " + e.Reason
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

func (e *AuthError) Unwrap() error { return e.Err }

func authErr(reason string) error { return &AuthError{Reason: reason} }
