package memorystore

import (
	"context"
	"sync"
	"time"
)

type kvItem struct {
	value   []byte
	expires time.Time
}

// KV is an in-memory key-value store with TTL support and an atomic TakeOnce.
// It is only safe for single-process deployments.
type KV struct {
	mu    sync.Mutex
	items map[string]kvItem
	now   func() time.Time
}

func NewKV() *KV {
	return &KV{items: make(map[string]kvItem), now: time.Now}
}

// WithClock replaces the time source; tests use it to expire entries without sleeping.
func (k *KV) WithClock(now func() time.Time) *KV {
	k.mu.Lock()
	k.now = now
	k.mu.Unlock()
	return k
}

func (k *KV) expired(it kvItem) bool {
	return !it.expires.IsZero() && !k.now().Before(it.expires)
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	k.mu.Lock()
	defer k.mu.Unlock()
	it, ok := k.items[key]
	if !ok {
		return nil, false, nil
	}
	if k.expired(it) {
		delete(k.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), it.value...), true, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = ctx
	k.mu.Lock()
	defer k.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = k.now().Add(ttl)
	}
	k.items[key] = kvItem{value: append([]byte(nil), value...), expires: exp}
	return nil
}

func (k *KV) Del(ctx context.Context, key string) error {
	_ = ctx
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.items, key)
	return nil
}

// TakeOnce returns the value for key and deletes it under the same lock.
func (k *KV) TakeOnce(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	k.mu.Lock()
	defer k.mu.Unlock()
	it, ok := k.items[key]
	if !ok {
		return nil, false, nil
	}
	delete(k.items, key)
	if k.expired(it) {
		return nil, false, nil
	}
	return it.value, true, nil
}

// Sweep drops every expired entry and reports how many were removed.
func (k *KV) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, it := range k.items {
		if k.expired(it) {
			delete(k.items, key)
			n++
		}
	}
	return n
}

// StartJanitor sweeps every interval until ctx is done.
func (k *KV) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				k.Sweep()
			}
		}
	}()
}

// Len reports the number of stored entries, expired ones included.
func (k *KV) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.items)
}
