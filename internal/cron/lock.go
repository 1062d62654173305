package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = 10 * time.Minute

// Lock keeps reconciliation jobs single-writer across cron replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// RedisLock is a SETNX lease. The TTL must outlast one full cycle or a
// second replica can start while the first is still calling the provider.
type RedisLock struct {
	client      redisStore
	key         string
	ttl         time.Duration
	ownerPrefix string
	owner       string
}

// NewRedisLock builds a lease on key. ownerPrefix (usually the instance id)
// is stored with the lease so operators can see who holds it.
func NewRedisLock(client redisStore, key string, ttl time.Duration, ownerPrefix string) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl, ownerPrefix: ownerPrefix}, nil
}

// TTL reports the lease length.
func (l *RedisLock) TTL() time.Duration {
	return l.ttl
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	if l.ownerPrefix != "" {
		owner = l.ownerPrefix + ":" + owner
	}
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// Release deletes the lease only while this instance still owns it. An
// expired lease taken over by another replica is left alone.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	owner := l.owner
	l.owner = ""

	if _, err := l.client.CompareAndDelete(ctx, l.key, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
