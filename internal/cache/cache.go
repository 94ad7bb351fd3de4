// Package cache provides the bounded cache of decoded index nodes.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a least-recently-used cache whose capacity is an entry count.
// A capacity of zero disables caching. It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	lru *lru.Cache[K, V]
}

func New[K comparable, V any](size int) *LRU[K, V] {
	c := new(LRU[K, V])
	c.Resize(size)
	return c
}

func (c *LRU[K, V]) Get(key K) (val V, ok bool) {
	if c.lru == nil {
		return
	}
	return c.lru.Get(key)
}

// Add inserts or replaces key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Add(key K, val V) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, val)
}

func (c *LRU[K, V]) Remove(key K) {
	if c.lru == nil {
		return
	}
	c.lru.Remove(key)
}

func (c *LRU[K, V]) Purge() {
	if c.lru == nil {
		return
	}
	c.lru.Purge()
}

func (c *LRU[K, V]) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Resize changes the capacity, evicting down to the new bound immediately.
// It returns the number of evicted entries.
func (c *LRU[K, V]) Resize(size int) (evicted int) {
	if size <= 0 {
		if c.lru != nil {
			evicted = c.lru.Len()
			c.lru.Purge()
			c.lru = nil
		}
		return
	}
	if c.lru == nil {
		c.lru, _ = lru.New[K, V](size)
		return
	}
	return c.lru.Resize(size)
}
