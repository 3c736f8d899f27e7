package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis needs a live server on REDIS_TEST_ADDR (default localhost:6379)
// and skips otherwise.
func newTestRedis(t *testing.T) (*Redis, string) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 500 * time.Millisecond, MaxRetries: -1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping test")
	}
	prefix := "slugbin-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		client.Close()
	})
	return NewRedisFromClient(client, time.Second), prefix
}

func TestRedis_RateLimitCountsWithinWindow(t *testing.T) {
	r, prefix := newTestRedis(t)
	ctx := context.Background()
	key := prefix + "rl"

	for want := 1; want <= 3; want++ {
		got, err := r.RateLimit(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := r.RateLimit(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.Greater(t, got, 3)

	ttl, err := r.client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute, "window expiry set, got %v", ttl)
}

func TestRedis_RateLimitWindowResets(t *testing.T) {
	r, prefix := newTestRedis(t)
	ctx := context.Background()
	key := prefix + "short"

	_, err := r.RateLimit(ctx, key, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := r.RateLimit(ctx, key, 1, 50*time.Millisecond)
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedis_LockIsExclusive(t *testing.T) {
	r, prefix := newTestRedis(t)
	ctx := context.Background()
	key := prefix + "lock"

	token, ok, err := r.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	other, ok, err := r.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, other)

	require.NoError(t, r.ReleaseLock(ctx, key, token))
	_, ok, err = r.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_ReleaseIgnoresForeignToken(t *testing.T) {
	r, prefix := newTestRedis(t)
	ctx := context.Background()
	key := prefix + "lock"

	token, ok, err := r.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.ReleaseLock(ctx, key, "not-"+token))
	held, err := r.client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, token, held)
}

func TestRedis_UnreachableServerReturnsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	r := NewRedisFromClient(client, 500*time.Millisecond)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	_, err := r.RateLimit(ctx, "k", 1, time.Second)
	assert.Error(t, err)

	token, ok, err := r.AcquireLock(ctx, "k", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)

	assert.Error(t, r.ReleaseLock(ctx, "k", "t"))
	assert.Error(t, r.Ping(ctx))
}

func TestNewRedisFromClient_DefaultTimeout(t *testing.T) {
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), 0)
	t.Cleanup(func() { r.Close() })
	assert.Equal(t, 2*time.Second, r.timeout)
}
