// password.go

// Argon2id password verification for email login, and login email validation.
// Accounts are provisioned outside this service; HashPassword exists for
// seeding and tests and writes the same PHC format the provisioning side uses.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"

	"golang.org/x/crypto/argon2"
)

// MaxPasswordLen caps the input fed to Argon2id. Longer passwords never verify.
const MaxPasswordLen = 1024

// ErrMalformedHash is returned for a stored hash that is not a usable argon2id PHC string.
var ErrMalformedHash = errors.New("malformed password hash")

// ErrInvalidEmail is returned by ValidateEmail.
var ErrInvalidEmail = errors.New("invalid email")

// PasswordParams are the Argon2id cost settings encoded into each hash.
type PasswordParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultPasswordParams: 64 MiB, 3 passes, 2 lanes.
var DefaultPasswordParams = PasswordParams{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 2,
	SaltLen: 16,
	KeyLen:  32,
}

// maxMemory bounds the memory cost accepted from a stored hash (1 GiB).
const maxMemory = 1 << 20

// HashPassword returns the PHC string for password under DefaultPasswordParams:
// $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 key>
func HashPassword(password string) (string, error) {
	return DefaultPasswordParams.Hash(password)
}

// Hash derives a PHC-formatted argon2id hash of password with a fresh salt.
func (p PasswordParams) Hash(password string) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// phcHash is a decoded argon2id PHC string.
type phcHash struct {
	params PasswordParams
	salt   []byte
	key    []byte
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedHash, fmt.Sprintf(format, args...))
}

// parsePHC decodes an argon2id PHC string, rejecting unknown versions and
// cost parameters outside sane bounds.
func parsePHC(encoded string) (*phcHash, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return nil, malformed("expected 6 fields, got %d", len(fields))
	}
	if fields[1] != "argon2id" {
		return nil, malformed("unsupported algorithm %q", fields[1])
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return nil, malformed("version: %v", err)
	}
	if version != argon2.Version {
		return nil, malformed("unsupported argon2 version %d", version)
	}

	var h phcHash
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.params.Memory, &h.params.Time, &h.params.Threads); err != nil {
		return nil, malformed("params: %v", err)
	}
	if h.params.Time == 0 || h.params.Threads == 0 || h.params.Memory == 0 || h.params.Memory > maxMemory {
		return nil, malformed("params out of range %q", fields[3])
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return nil, malformed("salt: %v", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil {
		return nil, malformed("key: %v", err)
	}
	if len(h.key) == 0 {
		return nil, malformed("empty key")
	}
	h.params.SaltLen = len(h.salt)
	h.params.KeyLen = uint32(len(h.key))
	return &h, nil
}

// VerifyPassword reports whether password matches the stored argon2id hash.
// Cost parameters come from the hash, so older hashes keep verifying after
// DefaultPasswordParams changes. Errors wrap ErrMalformedHash.
func VerifyPassword(password, encodedHash string) (bool, error) {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if len(password) > MaxPasswordLen {
		return false, nil
	}
	key := argon2.IDKey([]byte(password), h.salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)
	return subtle.ConstantTimeCompare(key, h.key) == 1, nil
}

// NormalizeEmail is the canonical form used for lookup and rate-limit keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks length (RFC 5321: 254 max) and address syntax.
// Display-name forms ("Clerk <clerk@firm.test>") are rejected.
func ValidateEmail(email string) error {
	switch {
	case email == "":
		return fmt.Errorf("%w: empty", ErrInvalidEmail)
	case len(email) < 3:
		return fmt.Errorf("%w: too short", ErrInvalidEmail)
	case len(email) > 254:
		return fmt.Errorf("%w: too long", ErrInvalidEmail)
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	if addr.Address != email {
		return fmt.Errorf("%w: not a bare address", ErrInvalidEmail)
	}
	return nil
}
