// memory.go -- process-local fixed-window limiter.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// record is one key's window. attempts only grows within [opened, resetAt).
type record struct {
	attempts int
	resetAt  time.Time
}

// MemoryLimiter keeps records in a map guarded by one mutex; every
// read-modify-write happens under the lock. Expired records are evicted
// lazily on access, or in bulk by Sweep.
type MemoryLimiter struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

// NewMemoryLimiter returns an empty limiter. now may be nil (time.Now).
func NewMemoryLimiter(policy Policy, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		policy:  policy,
		now:     now,
		records: make(map[string]*record),
	}
}

// live returns key's record, evicting it if its window has passed. Caller holds mu.
func (m *MemoryLimiter) live(key string, now time.Time) *record {
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	if !now.Before(rec.resetAt) {
		delete(m.records, key)
		return nil
	}
	return rec
}

func (m *MemoryLimiter) IsLimited(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.live(key, m.now())
	return rec != nil && rec.attempts >= m.policy.MaxAttempts, nil
}

func (m *MemoryLimiter) RecordFailure(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec := m.live(key, now)
	if rec == nil {
		rec = &record{resetAt: now.Add(m.policy.Window)}
		m.records[key] = rec
	}
	rec.attempts++
	if rec.attempts == m.policy.MaxAttempts {
		if d := m.policy.lockout(); d > 0 && now.Add(d).After(rec.resetAt) {
			rec.resetAt = now.Add(d)
		}
	}
	return rec.attempts, nil
}

func (m *MemoryLimiter) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLimiter) Remaining(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.live(key, m.now())
	if rec == nil {
		return m.policy.MaxAttempts, nil
	}
	return max(0, m.policy.MaxAttempts-rec.attempts), nil
}

func (m *MemoryLimiter) ResetSeconds(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec := m.live(key, now)
	if rec == nil {
		return 0, nil
	}
	return ceilSeconds(rec.resetAt.Sub(now)), nil
}

// Sweep evicts every expired record and returns how many were removed.
func (m *MemoryLimiter) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for key, rec := range m.records {
		if !now.Before(rec.resetAt) {
			delete(m.records, key)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done. Call in a goroutine.
func (m *MemoryLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				slog.Debug("rate limit sweep complete", "evicted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
