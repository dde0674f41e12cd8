// Package lock provides mutual exclusion over string keys, in process or
// across instances through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotObtained is returned when a key could not be locked before ctx ended
// キーのロックを取得できなかった場合のエラー
var ErrNotObtained = errors.New("lock: not obtained")

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process mutex per key. Waiting honours ctx.
// プロセス内のキー単位ミューテックス
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewKeyedMutex creates an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Acquire locks every key in sorted order and returns a release func that
// unlocks them in reverse. On failure nothing stays locked.
// すべてのキーをソート順にロックし、逆順に解放する関数を返す
func (k *KeyedMutex) Acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := Sorted(keys)
	held := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if err := k.lock(ctx, key); err != nil {
			k.unlockAll(held)
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.unlockAll(held) })
	}, nil
}

func (k *KeyedMutex) lock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotObtained, key, err)
	}

	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.drop(key, e)
		k.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrNotObtained, key, ctx.Err())
	}
}

func (k *KeyedMutex) unlockAll(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		k.mu.Lock()
		e := k.locks[held[i]]
		<-e.ch
		k.drop(held[i], e)
		k.mu.Unlock()
	}
}

// drop releases one reference; k.mu must be held
func (k *KeyedMutex) drop(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Sorted returns the unique keys in ascending order
// 重複を除いた昇順のキー
func Sorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
