// redis.go -- shared fixed-window limiter on Redis counters.
//
// One INCR key per identity; the key's TTL is the window. The increment and
// the TTL update run in a single Lua script so concurrent failures for the
// same key never race.
package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter keys in a shared Redis.
const keyPrefix = "ratelimit:"

// recordScript increments the counter and opens the window on the first failure.
// When the cap is first reached and a lockout is configured (ARGV[3] > 0), the
// TTL grows to the lockout; it never shrinks.
// KEYS[1] = counter key, ARGV[1] = window ms, ARGV[2] = max, ARGV[3] = lockout ms or 0.
var recordScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local lockout = tonumber(ARGV[3])
if n == tonumber(ARGV[2]) and lockout > 0 and redis.call('PTTL', KEYS[1]) < lockout then
    redis.call('PEXPIRE', KEYS[1], lockout)
end
return n
`)

// RedisLimiter implements Limiter with shared counters.
type RedisLimiter struct {
	rdb    *redis.Client
	policy Policy
}

// NewRedisLimiter wraps rdb; the client is shared with other Redis users.
func NewRedisLimiter(rdb *redis.Client, policy Policy) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, policy: policy}
}

func (l *RedisLimiter) attempts(ctx context.Context, key string) (int, error) {
	n, err := l.rdb.Get(ctx, keyPrefix+key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading attempts: %w", err)
	}
	return n, nil
}

func (l *RedisLimiter) IsLimited(ctx context.Context, key string) (bool, error) {
	n, err := l.attempts(ctx, key)
	if err != nil {
		return false, err
	}
	return n >= l.policy.MaxAttempts, nil
}

func (l *RedisLimiter) RecordFailure(ctx context.Context, key string) (int, error) {
	n, err := recordScript.Run(ctx, l.rdb, []string{keyPrefix + key},
		l.policy.Window.Milliseconds(),
		l.policy.MaxAttempts,
		l.policy.lockout().Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recording failure: %w", err)
	}
	return n, nil
}

func (l *RedisLimiter) Clear(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clearing rate limit: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	n, err := l.attempts(ctx, key)
	if err != nil {
		return 0, err
	}
	return max(0, l.policy.MaxAttempts-n), nil
}

func (l *RedisLimiter) ResetSeconds(ctx context.Context, key string) (int, error) {
	ttl, err := l.rdb.PTTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading rate limit ttl: %w", err)
	}
	// -2 (missing) and -1 (no expiry) both mean no active window.
	if ttl <= 0 {
		return 0, nil
	}
	return ceilSeconds(ttl), nil
}

// compile-time interface checks
var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
