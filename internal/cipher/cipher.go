// Package cipher encrypts OAuth credential material at rest.
//
// AES-256-GCM with a fresh 16-byte IV per call. Stored blob layout is
// IV(16) || AuthTag(16) || Ciphertext, standard base64 encoded.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	KeySize = 32
	IVSize  = 16
	TagSize = 16
)

// ErrDecryption is matched by every *DecryptionError via errors.Is.
var ErrDecryption = errors.New("decryption failed")

// ErrInvalidKeyLength is returned by New for keys that are not KeySize bytes.
var ErrInvalidKeyLength = errors.New("invalid key length")

// DecryptionError reports a malformed blob, a tag mismatch, or a key mismatch.
// Reason is safe to log; it never carries key or plaintext material.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string { return "decryption failed: " + e.Reason }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// TokenCipher is stateless beyond its key; safe for concurrent use.
type TokenCipher struct {
	aead gocipher.AEAD
}

// New validates key length and returns a ready cipher.
func New(key []byte) (*TokenCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKeyLength, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := gocipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV and returns the encoded blob.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	// Seal appends the tag after the ciphertext; reorder to IV || Tag || CT.
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ctLen := len(sealed) - TagSize

	blob := make([]byte, 0, IVSize+len(sealed))
	blob = append(blob, iv...)
	blob = append(blob, sealed[ctLen:]...)
	blob = append(blob, sealed[:ctLen]...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Any failure returns *DecryptionError and no plaintext.
func (c *TokenCipher) Decrypt(encoded string) (string, error) {
	if c == nil || c.aead == nil {
		return "", &DecryptionError{Reason: "cipher not initialised"}
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid encoding"}
	}
	if len(blob) < IVSize+TagSize {
		return "", &DecryptionError{Reason: "blob too short"}
	}

	iv := blob[:IVSize]
	tag := blob[IVSize : IVSize+TagSize]
	ct := blob[IVSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication tag mismatch"}
	}
	return string(plain), nil
}
