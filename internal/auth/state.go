// state.go -- Signed, time-bounded OAuth state parameter.
//
// Format: base64url(json claims) + "." + base64url(HMAC-SHA256(secret, first half)).
// The delimiter never appears in the base64url alphabet.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

const (
	// DefaultStateTTL bounds the OAuth redirect round trip.
	DefaultStateTTL = 10 * time.Minute

	// stateClockSkew tolerates timestamps slightly in the future.
	stateClockSkew = time.Minute

	// MinStateSecretLen is the shortest HMAC secret accepted.
	MinStateSecretLen = 32
)

// StateClaims is the payload carried through the provider redirect.
// Timestamp is Unix milliseconds.
type StateClaims struct {
	UserID    *uuid.UUID        `json:"uid,omitempty"`
	FirmID    *uuid.UUID        `json:"fid,omitempty"`
	Timestamp int64             `json:"ts"`
	Nonce     string            `json:"nonce"`
	Extra     map[string]string `json:"x,omitempty"`
}

// NonceCache records nonces that have been used.
// Satisfied by *store.RedisStore.
type NonceCache interface {
	// ConsumeNonce returns true the first time nonce is seen within ttl.
	ConsumeNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// StateCodec encodes and verifies OAuth state values.
// With a nil Nonces cache a captured state can be replayed until it expires.
type StateCodec struct {
	secret []byte
	TTL    time.Duration
	Now    func() time.Time
	Nonces NonceCache
}

// NewStateCodec returns a codec signing with secret.
func NewStateCodec(secret []byte, ttl time.Duration) (*StateCodec, error) {
	if len(secret) < MinStateSecretLen {
		return nil, fmt.Errorf("state secret must be at least %d bytes, got %d", MinStateSecretLen, len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateCodec{
		secret: append([]byte(nil), secret...),
		TTL:    ttl,
		Now:    time.Now,
	}, nil
}

func (c *StateCodec) sign(payload string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Encode serializes and signs claims. A zero Timestamp is set to now and an
// empty Nonce is filled with 128 random bits.
func (c *StateCodec) Encode(claims StateClaims) (string, error) {
	if claims.Timestamp == 0 {
		claims.Timestamp = c.Now().UnixMilli()
	}
	if claims.Nonce == "" {
		var n [16]byte
		if _, err := rand.Read(n[:]); err != nil {
			return "", fmt.Errorf("generating nonce: %w", err)
		}
		claims.Nonce = base64.RawURLEncoding.EncodeToString(n[:])
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling state claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + base64.RawURLEncoding.EncodeToString(c.sign(payload)), nil
}

// Decode verifies state and returns its claims.
// Every rejection is an *AuthError; nothing is returned unless the signature
// matches and the timestamp lies within the validity window.
func (c *StateCodec) Decode(ctx context.Context, state string) (*StateClaims, error) {
	if strings.Count(state, ".") != 1 {
		return nil, authErr("malformed state")
	}
	payload, sigPart, _ := strings.Cut(state, ".")
	if payload == "" || sigPart == "" {
		return nil, authErr("malformed state")
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, authErr("malformed state signature")
	}
	if !hmac.Equal(sig, c.sign(payload)) {
		return nil, authErr("state signature mismatch")
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, authErr("malformed state payload")
	}
	var claims StateClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, authErr("malformed state payload")
	}
	if claims.Nonce == "" || claims.Timestamp == 0 {
		return nil, authErr("incomplete state claims")
	}

	age := c.Now().Sub(time.UnixMilli(claims.Timestamp))
	if age > c.TTL {
		return nil, authErr("state expired")
	}
	if age < -stateClockSkew {
		return nil, authErr("state issued in the future")
	}

	if c.Nonces != nil {
		first, err := c.Nonces.ConsumeNonce(ctx, claims.Nonce, c.TTL-age+stateClockSkew)
		if err != nil {
			return nil, &AuthError{Reason: "state replay check failed", Err: err}
		}
		if !first {
			return nil, authErr("state already used")
		}
	}

	return &claims, nil
}
