package calendar

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

var (
	// ErrNotConnected means the user has no usable calendar credential.
	ErrNotConnected = errors.New("calendar not connected")

	// ErrTokenExpired means the access token expired and could not be refreshed.
	ErrTokenExpired = errors.New("calendar credential expired and cannot be refreshed")

	// ErrHearingNotFound means the hearing does not exist within the caller's firm.
	ErrHearingNotFound = errors.New("hearing not found")
)

// RetrievalError means a stored credential exists but could not be decrypted,
// which points to corruption or a key mismatch. Err is the underlying
// *cipher.DecryptionError; key material is never included.
type RetrievalError struct {
	UserID uuid.UUID
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieving calendar credential for user %s: %v", e.UserID, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }
