// password_test.go
package auth

import (
	"errors"
	"strings"
	"testing"
)

// cheapParams keeps tests fast; verification reads the cost from the hash.
var cheapParams = PasswordParams{Time: 1, Memory: 64, Threads: 1, SaltLen: 16, KeyLen: 32}

func TestHashPassword(t *testing.T) {
	t.Run("default params are encoded in the hash", func(t *testing.T) {
		hash, err := HashPassword("clerk-password")
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=2$") {
			t.Errorf("unexpected prefix: %q", hash)
		}
		h, err := parsePHC(hash)
		if err != nil {
			t.Fatalf("parsePHC: %v", err)
		}
		if len(h.salt) != 16 || len(h.key) != 32 {
			t.Errorf("salt/key lengths: %d/%d", len(h.salt), len(h.key))
		}
	})

	t.Run("each hash gets a fresh salt", func(t *testing.T) {
		h1, _ := cheapParams.Hash("same")
		h2, _ := cheapParams.Hash("same")
		if h1 == h2 {
			t.Error("expected different hashes for the same password")
		}
	})
}

func TestVerifyPassword(t *testing.T) {
	hash, err := cheapParams.Hash("hearing-day")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	t.Run("matching password", func(t *testing.T) {
		ok, err := VerifyPassword("hearing-day", hash)
		if err != nil || !ok {
			t.Errorf("got ok=%v err=%v, want match", ok, err)
		}
	})

	t.Run("non-matching password", func(t *testing.T) {
		ok, err := VerifyPassword("hearing-night", hash)
		if err != nil || ok {
			t.Errorf("got ok=%v err=%v, want mismatch", ok, err)
		}
	})

	t.Run("over-long password never verifies", func(t *testing.T) {
		long := strings.Repeat("a", MaxPasswordLen+1)
		h, _ := cheapParams.Hash(long)
		ok, err := VerifyPassword(long, h)
		if err != nil || ok {
			t.Errorf("got ok=%v err=%v, want mismatch", ok, err)
		}
	})

	t.Run("cost params are read from the stored hash", func(t *testing.T) {
		other := PasswordParams{Time: 2, Memory: 128, Threads: 2, SaltLen: 8, KeyLen: 16}
		h, _ := other.Hash("pw")
		ok, err := VerifyPassword("pw", h)
		if err != nil || !ok {
			t.Errorf("got ok=%v err=%v, want match", ok, err)
		}
	})

	malformedHashes := map[string]string{
		"not phc":           "not-a-hash",
		"bcrypt":            "$2b$10$abcdefghijklmnopqrstuv",
		"wrong algorithm":   "$argon2i$v=19$m=64,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5",
		"old version":       "$argon2id$v=16$m=64,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5",
		"garbled params":    "$argon2id$v=19$memory=64$c2FsdHNhbHQ$a2V5a2V5",
		"zero time":         "$argon2id$v=19$m=64,t=0,p=1$c2FsdHNhbHQ$a2V5a2V5",
		"huge memory":       "$argon2id$v=19$m=4194304,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5",
		"bad salt encoding": "$argon2id$v=19$m=64,t=1,p=1$!!!$a2V5a2V5",
		"empty key":         "$argon2id$v=19$m=64,t=1,p=1$c2FsdHNhbHQ$",
	}
	for name, h := range malformedHashes {
		t.Run("malformed hash: "+name, func(t *testing.T) {
			ok, err := VerifyPassword("pw", h)
			if ok {
				t.Error("malformed hash must not verify")
			}
			if !errors.Is(err, ErrMalformedHash) {
				t.Errorf("expected ErrMalformedHash, got %v", err)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Clerk@Firm.TEST \n"); got != "clerk@firm.test" {
		t.Errorf("got %q", got)
	}
}

func TestValidateEmail(t *testing.T) {
	valid := []string{"clerk@firm.test", "a.b+docket@courts.example.org"}
	for _, e := range valid {
		if err := ValidateEmail(e); err != nil {
			t.Errorf("ValidateEmail(%q) = %v, want nil", e, err)
		}
	}

	invalid := []string{
		"",
		"a@",
		"no-at-sign",
		"Clerk <clerk@firm.test>",
		strings.Repeat("x", 250) + "@firm.test",
	}
	for _, e := range invalid {
		if err := ValidateEmail(e); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("ValidateEmail(%q) = %v, want ErrInvalidEmail", e, err)
		}
	}
}
