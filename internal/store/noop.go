// noop.go -- Session cache stand-in used when REDIS_URL is unset.
package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// NoopSessionCache satisfies the session cache contract without Redis.
// Every lookup misses, so callers always go to Postgres.
type NoopSessionCache struct{}

func (NoopSessionCache) SetSession(context.Context, []byte, CachedSession, time.Duration) error {
	return nil
}

func (NoopSessionCache) GetSession(context.Context, []byte) (*CachedSession, error) {
	return nil, ErrCacheMiss
}

func (NoopSessionCache) DeleteSession(context.Context, []byte, uuid.UUID) error { return nil }

func (NoopSessionCache) DeleteAllUserSessions(context.Context, uuid.UUID) error { return nil }

func (NoopSessionCache) CheckHealth(context.Context) error { return ErrCacheDisabled }
