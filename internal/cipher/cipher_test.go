package cipher

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func mustCipher(t *testing.T, key []byte) *TokenCipher {
	t.Helper()
	c, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// --- New ---

func TestNew(t *testing.T) {
	t.Run("rejects short key", func(t *testing.T) {
		_, err := New(make([]byte, 16))
		if !errors.Is(err, ErrInvalidKeyLength) {
			t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
		}
	})

	t.Run("rejects nil key", func(t *testing.T) {
		if _, err := New(nil); !errors.Is(err, ErrInvalidKeyLength) {
			t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
		}
	})
}

// --- Encrypt / Decrypt ---

func TestEncryptDecrypt(t *testing.T) {
	c := mustCipher(t, testKey())

	t.Run("round-trips plaintexts", func(t *testing.T) {
		for _, plain := range []string{"", "ya29.a0AfH6SMB", strings.Repeat("x", 4096), "ünïcødé"} {
			blob, err := c.Encrypt(plain)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			got, err := c.Decrypt(blob)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if got != plain {
				t.Errorf("expected %q, got %q", plain, got)
			}
		}
	})

	t.Run("blob layout is IV, tag, ciphertext", func(t *testing.T) {
		blob, err := c.Encrypt("hello")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			t.Fatalf("blob is not base64: %v", err)
		}
		if len(raw) != IVSize+TagSize+len("hello") {
			t.Errorf("length: expected %d, got %d", IVSize+TagSize+5, len(raw))
		}
	})

	t.Run("fresh IV per call", func(t *testing.T) {
		a, _ := c.Encrypt("same")
		b, _ := c.Encrypt("same")
		if a == b {
			t.Fatal("two encryptions of the same plaintext produced identical blobs")
		}
		rawA, _ := base64.StdEncoding.DecodeString(a)
		rawB, _ := base64.StdEncoding.DecodeString(b)
		if string(rawA[:IVSize]) == string(rawB[:IVSize]) {
			t.Error("IV reused across encryptions")
		}
	})

	t.Run("every single-bit mutation is rejected", func(t *testing.T) {
		blob, err := c.Encrypt("refresh-token-value")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		raw, _ := base64.StdEncoding.DecodeString(blob)
		for i := range raw {
			for bit := 0; bit < 8; bit++ {
				mutated := append([]byte(nil), raw...)
				mutated[i] ^= 1 << bit
				got, err := c.Decrypt(base64.StdEncoding.EncodeToString(mutated))
				if !errors.Is(err, ErrDecryption) {
					t.Fatalf("byte %d bit %d: expected ErrDecryption, got %v", i, bit, err)
				}
				if got != "" {
					t.Fatalf("byte %d bit %d: plaintext leaked on failure", i, bit)
				}
			}
		}
	})

	t.Run("rejects malformed blobs", func(t *testing.T) {
		for _, blob := range []string{"", "!!!not-base64", base64.StdEncoding.EncodeToString(make([]byte, IVSize+TagSize-1))} {
			_, err := c.Decrypt(blob)
			var de *DecryptionError
			if !errors.As(err, &de) {
				t.Errorf("blob %q: expected *DecryptionError, got %v", blob, err)
			}
		}
	})

	t.Run("rejects blob sealed under a different key", func(t *testing.T) {
		otherKey := testKey()
		otherKey[0] ^= 0xff
		other := mustCipher(t, otherKey)

		blob, _ := other.Encrypt("secret")
		if _, err := c.Decrypt(blob); !errors.Is(err, ErrDecryption) {
			t.Fatalf("expected ErrDecryption, got %v", err)
		}
	})

	t.Run("zero-value cipher fails closed", func(t *testing.T) {
		var zero TokenCipher
		if _, err := zero.Decrypt("anything"); !errors.Is(err, ErrDecryption) {
			t.Fatalf("expected ErrDecryption, got %v", err)
		}
	})
}
