// Package cache provides the bounded LRU caches with TTL used for
// query→results and text→embedding memoization.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity bounds cache entries when the caller passes zero.
const DefaultCapacity = 512

// Cache is a bounded LRU with per-entry TTL. Reads and writes are safe for
// concurrent use; expired entries are dropped on access.
type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New creates a cache with the given capacity and TTL. A zero capacity uses
// DefaultCapacity; a zero TTL means entries never expire.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[K, V]{
		lru: expirable.NewLRU[K, V](capacity, nil, ttl),
	}
}

// Get returns the cached value and whether it was present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Add stores a value, evicting the least recently used entry when full.
func (c *Cache[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

// Remove drops a key.
func (c *Cache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Purge drops all entries.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}
