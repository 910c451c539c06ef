package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Unlock releases a lock won through TryLock.
type Unlock func(ctx context.Context) error

// Locker grants exclusive runs of a named job.
type Locker interface {
	TryLock(ctx context.Context, job string) (Unlock, bool, error)
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisLocker holds one SETNX key per job. The value is a random token so a
// runner whose TTL lapsed cannot free a lock that a successor now holds.
type RedisLocker struct {
	store lockStore
	key   func(job string) string
	ttl   time.Duration
}

// NewRedisLocker builds a locker whose keys come from key(job). ttl should
// exceed the slowest job so a crashed runner frees its lock by itself.
func NewRedisLocker(store lockStore, key func(job string) string, ttl time.Duration) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("redis store required for cron locks")
	}
	if key == nil {
		return nil, errors.New("lock key builder required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{store: store, key: key, ttl: ttl}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, job string) (Unlock, bool, error) {
	key := l.key(job)
	token := uuid.NewString()
	won, err := l.store.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !won {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		holder, err := l.store.Get(ctx, key)
		switch {
		case errors.Is(err, redis.Nil):
			return nil
		case err != nil:
			return fmt.Errorf("read lock %s: %w", key, err)
		case holder != token:
			return nil
		}
		return l.store.Del(ctx, key)
	}, true, nil
}
