package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newRedisLocker connects to REDIS_TEST_ADDR or skips the test
func newRedisLocker(t *testing.T, cfg RedisConfig) *RedisLocker {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR が未設定のためスキップします")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	cfg.Prefix = "stockledger:test:" + t.Name() + ":"
	return NewRedisLocker(rdb, cfg, zap.NewNop())
}

// TestRedisLockerExclusive はRedisロックの排他制御のテスト
func TestRedisLockerExclusive(t *testing.T) {
	locker := newRedisLocker(t, RedisConfig{TTL: 5 * time.Second, WaitTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, []string{"acme:SKU-1:WH-A", "acme:SKU-2:WH-A"})
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, []string{"acme:SKU-2:WH-A"})
	assert.ErrorIs(t, err, ErrNotObtained)

	release()

	again, err := locker.Acquire(ctx, []string{"acme:SKU-2:WH-A"})
	require.NoError(t, err)
	again()
}

// TestNewRedisLockerDefaults は設定の既定値のテスト
func TestNewRedisLockerDefaults(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer rdb.Close()

	locker := NewRedisLocker(rdb, RedisConfig{}, nil)

	assert.Equal(t, "stockledger:lock:", locker.config.Prefix)
	assert.Equal(t, 30*time.Second, locker.config.TTL)
	assert.Equal(t, 50*time.Millisecond, locker.config.RetryInterval)
	assert.Equal(t, 5*time.Second, locker.config.WaitTimeout)
}
