package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mate-payments/pkg/config"
)

type fakeCommands struct {
	values   map[string]string
	counters map[string]int64
	ttls     map[string]time.Duration
	incrErr  error
}

func newFake() *fakeCommands {
	return &fakeCommands{values: map[string]string{}, counters: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCommands) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeCommands) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCommands) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.values[key] = fmt.Sprint(value)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCommands) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = fmt.Sprint(value)
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCommands) Incr(_ context.Context, key string) *redis.IntCmd {
	if f.incrErr != nil {
		return redis.NewIntResult(0, f.incrErr)
	}
	f.counters[key]++
	return redis.NewIntResult(f.counters[key], nil)
}

func (f *fakeCommands) ExpireNX(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	if _, ok := f.ttls[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCommands) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.values, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestFixedWindowAllow(t *testing.T) {
	fake := newFake()
	client := &Client{cmd: fake}
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		allowed, hits, err := client.FixedWindowAllow(ctx, "payments:42", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Equal(t, i, hits)
	}
	allowed, hits, err := client.FixedWindowAllow(ctx, "payments:42", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, int64(3), hits)
	require.Equal(t, time.Minute, fake.ttls["mate:rate_limit:payments:42"])

	fake.incrErr = errors.New("READONLY")
	_, _, err = client.FixedWindowAllow(ctx, "payments:42", 2, time.Minute)
	require.ErrorIs(t, err, fake.incrErr)
}

func TestSetNXGetDel(t *testing.T) {
	client := &Client{cmd: newFake()}
	ctx := context.Background()
	k := client.IdempotencyKey("confirm", "MATE-1-2-3")

	won, err := client.SetNX(ctx, k, "first", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	won, err = client.SetNX(ctx, k, "second", time.Minute)
	require.NoError(t, err)
	require.False(t, won)

	v, err := client.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "first", v)

	require.NoError(t, client.Del(ctx, k))
	_, err = client.Get(ctx, k)
	require.ErrorIs(t, err, redis.Nil)
}

func TestZeroClient(t *testing.T) {
	client := &Client{}
	require.ErrorIs(t, client.Ping(context.Background()), errNotConnected)
	_, _, err := client.FixedWindowAllow(context.Background(), "x", 1, time.Second)
	require.ErrorIs(t, err, errNotConnected)
	require.NoError(t, client.Close())
}

func TestKeys(t *testing.T) {
	client := &Client{}
	require.Equal(t, "mate:idempotency:scope:id", client.IdempotencyKey("scope", "id"))
	require.Equal(t, "mate:idempotency:scope", client.IdempotencyKey(" scope ", ""))
	require.Equal(t, "mate:rate_limit:payments:7", client.RateLimitKey("payments:7"))
	require.Equal(t, "mate:lock:cron-worker:prod", client.LockKey("cron-worker:prod"))
}

func TestOptions(t *testing.T) {
	opts, err := options(config.RedisConfig{URL: "redis://:secret@cache:6380/3", PoolSize: 10, DB: 1, DialTimeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, "cache:6380", opts.Addr)
	require.Equal(t, 3, opts.DB)
	require.Equal(t, 10, opts.PoolSize)
	require.Equal(t, time.Second, opts.DialTimeout)

	opts, err = options(config.RedisConfig{Address: "localhost:6379", DB: 2})
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", opts.Addr)
	require.Equal(t, 2, opts.DB)

	_, err = options(config.RedisConfig{})
	require.Error(t, err)
}
