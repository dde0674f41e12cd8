package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSorted はキーの重複除去と並び替えのテスト
func TestSorted(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Sorted([]string{"c", "a", "b", "a"}))
	assert.Empty(t, Sorted(nil))
}

// TestKeyedMutexExclusive は同一キーの排他制御のテスト
func TestKeyedMutexExclusive(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		running int32
		maxSeen int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(ctx, []string{"acme:SKU-1:WH-A"})
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&running, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, k.locks)
}

// TestKeyedMutexDisjointKeys は異なるキーが互いにブロックしないテスト
func TestKeyedMutexDisjointKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	releaseA, err := k.Acquire(ctx, []string{"a"})
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := k.Acquire(ctx, []string{"b"})
	require.NoError(t, err)
	releaseB()
}

// TestKeyedMutexContextCancel はctx終了時にロック取得を諦めるテスト
func TestKeyedMutexContextCancel(t *testing.T) {
	k := NewKeyedMutex()

	release, err := k.Acquire(context.Background(), []string{"b"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrNotObtained)

	// 途中まで取得した "a" は解放されている
	releaseA, err := k.Acquire(context.Background(), []string{"a"})
	require.NoError(t, err)
	releaseA()

	release()
	assert.Empty(t, k.locks)
}

// TestKeyedMutexReleaseTwice は解放関数の二重呼び出しが安全であることのテスト
func TestKeyedMutexReleaseTwice(t *testing.T) {
	k := NewKeyedMutex()

	release, err := k.Acquire(context.Background(), []string{"a", "a"})
	require.NoError(t, err)
	release()
	release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := k.Acquire(ctx, []string{"a"})
	require.NoError(t, err)
	again()
}

// TestKeyedMutexNoDeadlock は逆順のキー集合でもデッドロックしないテスト
func TestKeyedMutexNoDeadlock(t *testing.T) {
	k := NewKeyedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		keys := []string{"x", "y"}
		if i%2 == 1 {
			keys = []string{"y", "x"}
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			release, err := k.Acquire(ctx, keys)
			if assert.NoError(t, err) {
				release()
			}
		}(keys)
	}
	wg.Wait()
}
