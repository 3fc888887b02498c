// Package cache is a process-local, size bounded key/value cache with a
// per-entry absolute expiry. Expired entries are evicted when read; there is
// no background sweep.
package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSize = 10000

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Cache[V any] struct {
	mu         sync.Mutex
	items      *lru.Cache[string, entry[V]]
	defaultTTL time.Duration
	now        func() time.Time
}

type Option[V any] func(*Cache[V])

// WithClock replaces time.Now, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// New returns a cache holding at most size entries. When full, the least
// recently used entry is evicted regardless of its expiry.
func New[V any](size int, defaultTTL time.Duration, opts ...Option[V]) (*Cache[V], error) {
	if size <= 0 {
		size = DefaultSize
	}
	items, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c := &Cache[V]{
		items:      items,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Set stores value until now+ttl. A ttl of zero or less stores an entry that
// is already expired, which overwrites any live value for key.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key, entry[V]{value: value, expiresAt: c.now().Add(ttl)})
}

// SetDefault stores value with the cache's default ttl.
func (c *Cache[V]) SetDefault(key string, value V) {
	c.Set(key, value, c.defaultTTL)
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items.Get(key)
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

// Len counts stored entries, including expired ones not yet read.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

func (c *Cache[V]) DefaultTTL() time.Duration {
	return c.defaultTTL
}
