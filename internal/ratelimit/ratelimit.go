// Package ratelimit counts failed attempts per opaque key in fixed windows.
//
// The Limiter has no idea what it is limiting; callers namespace keys
// (e.g. "login:email:a@b.com"). MemoryLimiter is process-local; RedisLimiter
// shares counters across instances.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is matched by every *LimitedError via errors.Is.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitedError is returned by Check when the key is locked out.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds())
}

func (e *LimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *LimitedError) RetryAfterSeconds() int {
	return max(1, ceilSeconds(e.RetryAfter))
}

// Policy configures a Limiter.
type Policy struct {
	MaxAttempts int           // failures allowed in Window before the key is limited
	Window      time.Duration // fixed window length, opened by the first failure
	Lockout     time.Duration // if > Window, the window is stretched to Lockout once MaxAttempts is hit
}

// DefaultPolicy is 5 failures per 15 minutes.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	Window:      15 * time.Minute,
}

// lockout returns the configured lockout when it is longer than the window,
// else 0: reaching the cap then leaves resetAt where the window put it.
func (p Policy) lockout() time.Duration {
	if p.Lockout > p.Window {
		return p.Lockout
	}
	return 0
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
