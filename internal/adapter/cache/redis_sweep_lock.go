package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/xero-connect/internal/repository"
)

const sweepLockPrefix = "xero:sweep:"

// RedisSweepLock implements SweepLocker with SET NX + TTL. The TTL is the
// failure backstop: a crashed replica's lock expires on its own.
type RedisSweepLock struct {
	client redis.UniversalClient
}

var _ repository.SweepLocker = (*RedisSweepLock)(nil)

// NewRedisSweepLock constructs a Redis-backed sweep lock.
func NewRedisSweepLock(client redis.UniversalClient) *RedisSweepLock {
	return &RedisSweepLock{client: client}
}

// TryLock claims the org's sweep slot. Returns false when another replica
// holds it.
func (l *RedisSweepLock) TryLock(ctx context.Context, orgID int64, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(orgID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the org's sweep slot.
func (l *RedisSweepLock) Unlock(ctx context.Context, orgID int64) error {
	if err := l.client.Del(ctx, lockKey(orgID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release sweep lock: %w", err)
	}
	return nil
}

func lockKey(orgID int64) string {
	return fmt.Sprintf("%s%d", sweepLockPrefix, orgID)
}
