// Package cache holds the explicit caches shared between requests: a TTL
// bounded LRU for remote key material and a read-mostly map for values that
// are replaced wholesale on invalidation.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is a keyed cache with explicit invalidation.
type Store[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Invalidate(key K)
}

// TTL is a size-bounded LRU whose entries expire after a fixed lifetime.
type TTL[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

func NewTTL[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *TTL[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *TTL[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

// Map never expires entries. Reads are lock-free; values are replaced, never
// mutated in place, so a reader always sees a complete value.
type Map[K comparable, V any] struct {
	m sync.Map
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

func (c *Map[K, V]) Get(key K) (V, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *Map[K, V]) Set(key K, value V) {
	c.m.Store(key, value)
}

func (c *Map[K, V]) Invalidate(key K) {
	c.m.Delete(key)
}
