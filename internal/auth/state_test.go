package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/casedesk/docket/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

var testStateSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestStateCodec(t *testing.T) (*StateCodec, *testutil.Clock) {
	t.Helper()
	c, err := NewStateCodec(testStateSecret, 0)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	clock := testutil.NewClock(time.Time{})
	c.Now = clock.Now
	return c, clock
}

func assertAuthError(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected auth error, got %v", err)
	}
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Reason == "" {
		t.Errorf("expected *AuthError with reason, got %v", err)
	}
}

// --- NewStateCodec ---

func TestNewStateCodec(t *testing.T) {
	t.Run("rejects short secret", func(t *testing.T) {
		if _, err := NewStateCodec([]byte("short"), 0); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("defaults ttl", func(t *testing.T) {
		c, err := NewStateCodec(testStateSecret, 0)
		if err != nil {
			t.Fatalf("NewStateCodec: %v", err)
		}
		if c.TTL != DefaultStateTTL {
			t.Errorf("expected %v, got %v", DefaultStateTTL, c.TTL)
		}
	})
}

// --- Encode / Decode ---

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	firmID := uuid.Must(uuid.NewV4())

	t.Run("decodes what it encodes", func(t *testing.T) {
		c, clock := newTestStateCodec(t)
		state, err := c.Encode(StateClaims{UserID: &userID, FirmID: &firmID, Extra: map[string]string{"return": "/hearings"}})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if strings.Count(state, ".") != 1 {
			t.Fatalf("expected one delimiter, got %q", state)
		}

		claims, err := c.Decode(ctx, state)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if *claims.UserID != userID || *claims.FirmID != firmID {
			t.Error("ids mismatch")
		}
		if claims.Extra["return"] != "/hearings" {
			t.Errorf("expected extra claim, got %v", claims.Extra)
		}
		if claims.Timestamp != clock.Now().UnixMilli() {
			t.Errorf("expected timestamp set to now, got %d", claims.Timestamp)
		}
		if claims.Nonce == "" {
			t.Error("expected nonce filled")
		}
	})

	t.Run("nonces differ per encode", func(t *testing.T) {
		c, _ := newTestStateCodec(t)
		a, _ := c.Encode(StateClaims{})
		b, _ := c.Encode(StateClaims{})
		if a == b {
			t.Error("two states should differ")
		}
	})

	t.Run("valid up to the end of the window", func(t *testing.T) {
		c, clock := newTestStateCodec(t)
		state, _ := c.Encode(StateClaims{UserID: &userID})
		clock.Advance(DefaultStateTTL)
		if _, err := c.Decode(ctx, state); err != nil {
			t.Errorf("expected valid at the window edge, got %v", err)
		}
	})

	t.Run("expired after the window", func(t *testing.T) {
		c, clock := newTestStateCodec(t)
		state, _ := c.Encode(StateClaims{UserID: &userID})
		clock.Advance(DefaultStateTTL + time.Millisecond)
		_, err := c.Decode(ctx, state)
		assertAuthError(t, err)
	})

	t.Run("tolerates small future skew", func(t *testing.T) {
		c, clock := newTestStateCodec(t)
		state, _ := c.Encode(StateClaims{Timestamp: clock.Now().Add(30 * time.Second).UnixMilli()})
		if _, err := c.Decode(ctx, state); err != nil {
			t.Errorf("expected valid, got %v", err)
		}
	})

	t.Run("rejects timestamps far in the future", func(t *testing.T) {
		c, clock := newTestStateCodec(t)
		state, _ := c.Encode(StateClaims{Timestamp: clock.Now().Add(5 * time.Minute).UnixMilli()})
		_, err := c.Decode(ctx, state)
		assertAuthError(t, err)
	})
}

func TestStateTampering(t *testing.T) {
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	c, _ := newTestStateCodec(t)
	state, err := c.Encode(StateClaims{UserID: &userID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	payload, sig, _ := strings.Cut(state, ".")

	t.Run("modified payload", func(t *testing.T) {
		raw, _ := base64.RawURLEncoding.DecodeString(payload)
		other := uuid.Must(uuid.NewV4())
		forged := strings.Replace(string(raw), userID.String(), other.String(), 1)
		_, err := c.Decode(ctx, base64.RawURLEncoding.EncodeToString([]byte(forged))+"."+sig)
		assertAuthError(t, err)
	})

	t.Run("modified signature", func(t *testing.T) {
		raw, _ := base64.RawURLEncoding.DecodeString(sig)
		raw[0] ^= 0x01
		_, err := c.Decode(ctx, payload+"."+base64.RawURLEncoding.EncodeToString(raw))
		assertAuthError(t, err)
	})

	t.Run("signed with another secret", func(t *testing.T) {
		other, _ := NewStateCodec([]byte("fedcba9876543210fedcba9876543210"), 0)
		other.Now = c.Now
		forged, _ := other.Encode(StateClaims{UserID: &userID})
		_, err := c.Decode(ctx, forged)
		assertAuthError(t, err)
	})

	for name, bad := range map[string]string{
		"empty":             "",
		"missing delimiter": payload + sig,
		"extra delimiter":   payload + "." + sig + ".x",
		"empty signature":   payload + ".",
		"empty payload":     "." + sig,
		"bad signature b64": payload + ".!!!",
	} {
		t.Run("malformed "+name, func(t *testing.T) {
			_, err := c.Decode(ctx, bad)
			assertAuthError(t, err)
		})
	}

	t.Run("signed but missing nonce", func(t *testing.T) {
		p := base64.RawURLEncoding.EncodeToString([]byte(`{"ts":1}`))
		_, err := c.Decode(ctx, p+"."+base64.RawURLEncoding.EncodeToString(c.sign(p)))
		assertAuthError(t, err)
	})
}

func TestStateReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("replay allowed without a nonce cache", func(t *testing.T) {
		c, _ := newTestStateCodec(t)
		state, _ := c.Encode(StateClaims{})
		for range 2 {
			if _, err := c.Decode(ctx, state); err != nil {
				t.Fatalf("Decode: %v", err)
			}
		}
	})

	t.Run("second use rejected with a nonce cache", func(t *testing.T) {
		c, _ := newTestStateCodec(t)
		c.Nonces = &testutil.MockNonceCache{}
		state, _ := c.Encode(StateClaims{})

		if _, err := c.Decode(ctx, state); err != nil {
			t.Fatalf("first Decode: %v", err)
		}
		_, err := c.Decode(ctx, state)
		assertAuthError(t, err)
	})

	t.Run("nonce cache failure rejects", func(t *testing.T) {
		c, _ := newTestStateCodec(t)
		c.Nonces = &testutil.MockNonceCache{Err: errors.New("redis down")}
		state, _ := c.Encode(StateClaims{})

		_, err := c.Decode(ctx, state)
		assertAuthError(t, err)
	})

	t.Run("tampered state never consumes a nonce", func(t *testing.T) {
		c, _ := newTestStateCodec(t)
		nonces := &testutil.MockNonceCache{}
		c.Nonces = nonces
		state, _ := c.Encode(StateClaims{Nonce: "fixed-nonce"})

		if _, err := c.Decode(ctx, state+"x"); err == nil {
			t.Fatal("expected rejection")
		}
		if _, err := c.Decode(ctx, state); err != nil {
			t.Errorf("expected genuine state still valid, got %v", err)
		}
	})
}
