// Package cache provides a key-addressed cache whose slots are initialised
// exactly once: concurrent callers for an absent key share a single loader
// invocation and await its result. Eviction is delegated to a pluggable
// policy so tests can swap LRU for simpler strategies.
package cache

import (
	"context"
	"sync"
)

// Policy decides which key to drop when the cache grows past its bound.
// Implementations are not safe for concurrent use; the cache serialises all
// calls under its own lock.
type Policy[K comparable] interface {
	// Touch marks a present key as most recently used.
	Touch(key K)
	// Insert records a new key and reports the evicted key, if any.
	Insert(key K) (evicted K, ok bool)
	// Remove forgets a key without treating it as an eviction.
	Remove(key K)
}

type slot[V any] struct {
	ready chan struct{}
	val   V
	ok    bool
	err   error
}

// Cache maps keys to immutable, shared values. The internal lock is never
// held while a loader runs.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	slots  map[K]*slot[V]
	policy Policy[K]
}

// New creates a cache with the given eviction policy.
func New[K comparable, V any](policy Policy[K]) *Cache[K, V] {
	return &Cache[K, V]{
		slots:  make(map[K]*slot[V]),
		policy: policy,
	}
}

// GetOrInit returns the cached value for key, invoking loader exactly once
// if the key is absent. Loader errors are returned to every current waiter
// but are not cached.
func (c *Cache[K, V]) GetOrInit(ctx context.Context, key K, loader func(context.Context) (V, error)) (V, error) {
	v, _, err := c.GetOrInitOptional(ctx, key, func(ctx context.Context) (V, bool, error) {
		v, err := loader(ctx)
		return v, err == nil, err
	})
	return v, err
}

// GetOrInitOptional is GetOrInit for loaders that may legitimately find
// nothing. An absence result is handed to every caller currently awaiting
// the slot, but it does not poison the slot: the next call re-invokes the
// loader.
func (c *Cache[K, V]) GetOrInitOptional(ctx context.Context, key K, loader func(context.Context) (V, bool, error)) (V, bool, error) {
	c.mu.Lock()
	if s, exists := c.slots[key]; exists {
		c.policy.Touch(key)
		c.mu.Unlock()
		select {
		case <-s.ready:
			return s.val, s.ok, s.err
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
	}

	s := &slot[V]{ready: make(chan struct{})}
	c.slots[key] = s
	if evicted, ok := c.policy.Insert(key); ok {
		delete(c.slots, evicted)
	}
	c.mu.Unlock()

	s.val, s.ok, s.err = loader(ctx)
	close(s.ready)

	if s.err != nil || !s.ok {
		c.mu.Lock()
		if c.slots[key] == s {
			delete(c.slots, key)
			c.policy.Remove(key)
		}
		c.mu.Unlock()
	}
	return s.val, s.ok, s.err
}

// Len returns the number of resident slots.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
