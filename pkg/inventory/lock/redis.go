package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the distributed locker
// 分散ロックの設定
type RedisConfig struct {
	Prefix        string        // キーのプレフィックス
	TTL           time.Duration // ロックの有効期間
	RetryInterval time.Duration // 再試行間隔
	WaitTimeout   time.Duration // 取得待ちの上限
}

// RedisLocker locks keys across instances with bsm/redislock
// Redisによるインスタンス間のキーロック
type RedisLocker struct {
	client *redislock.Client
	config RedisConfig
	logger *zap.Logger
}

// NewRedisLocker creates a locker over an existing Redis client
// 既存のRedisクライアントからロッカーを作成
func NewRedisLocker(rdb redis.UniversalClient, config RedisConfig, logger *zap.Logger) *RedisLocker {
	if config.Prefix == "" {
		config.Prefix = "stockledger:lock:"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		config: config,
		logger: logger,
	}
}

// Acquire obtains every key in sorted order, retrying until ctx or the wait
// timeout ends. On failure the keys already held are released.
// すべてのキーをソート順に取得（失敗時は取得済みのキーを解放）
func (r *RedisLocker) Acquire(ctx context.Context, keys []string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.config.WaitTimeout)
	defer cancel()

	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(r.config.RetryInterval)}
	held := make([]*redislock.Lock, 0, len(keys))
	for _, key := range Sorted(keys) {
		l, err := r.client.Obtain(waitCtx, r.config.Prefix+key, r.config.TTL, opts)
		if err != nil {
			r.releaseAll(held)
			if errors.Is(err, redislock.ErrNotObtained) || waitCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrNotObtained, key, err)
		}
		held = append(held, l)
	}

	return func() { r.releaseAll(held) }, nil
}

func (r *RedisLocker) releaseAll(held []*redislock.Lock) {
	// 呼び出し元のctxが終了していても解放する
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.Warn("ロックの解放に失敗しました", zap.String("key", held[i].Key()), zap.Error(err))
		}
	}
}
