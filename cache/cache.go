package cache

import (
	"time"

	"github.com/maypok86/otter"
)

// Cache wraps Otter cache for values that expire after a TTL
type Cache[V any] struct {
	store otter.CacheWithVariableTTL[string, V]
	ttl   time.Duration
}

// New creates a new cache with the specified max size and default TTL
func New[V any](maxSize int, ttl time.Duration) (*Cache[V], error) {
	store, err := otter.MustBuilder[string, V](maxSize).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	return &Cache[V]{store: store, ttl: ttl}, nil
}

// Get retrieves a cached value by key
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.store.Get(key)
}

// Set stores a value with the default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.store.Set(key, value, c.ttl)
}

// SetWithTTL stores a value with the specified TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

// Delete removes an entry from the cache
func (c *Cache[V]) Delete(key string) {
	c.store.Delete(key)
}

// Clear removes all entries
func (c *Cache[V]) Clear() {
	c.store.Clear()
}

// Size returns the number of entries
func (c *Cache[V]) Size() int {
	return c.store.Size()
}

// Close stops the cache's background goroutines
func (c *Cache[V]) Close() {
	c.store.Close()
}
