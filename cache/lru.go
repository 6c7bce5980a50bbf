// Package cache implements the LRU behind image.ChunkCache's decoded-chunk
// cache (spec §5): a fixed-capacity LRU where each slot is individually locked
// so an in-flight decode's "loading" sentinel makes concurrent readers of
// the same key await the same decode rather than racing to redo it. The
// chunk cache is its only user; no filesystem keeps a bitmap or B-tree
// node cache.
//
// No third-party LRU library appears anywhere in the retrieval pack (see
// DESIGN.md); container/list is the idiomatic, dependency-free way every
// Go LRU in the wild — including the standard library's own internal
// caches — is built, so that is what this one is built on.
package cache

import (
	"container/list"
	"sync"
)

// LRU is a fixed-capacity, key-locked least-recently-used cache.
type LRU[K comparable, V any] struct {
	capacity int

	mu      sync.Mutex
	ll      *list.List
	entries map[K]*list.Element

	keyLocks map[K]*sync.Mutex
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New returns an LRU with room for capacity entries.
func New[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ll:       list.New(),
		entries:  make(map[K]*list.Element),
		keyLocks: make(map[K]*sync.Mutex),
	}
}

// Get returns the cached value for key, if present, promoting it to
// most-recently-used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or updates key, evicting the least-recently-used entry if
// the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry[K, V]{key: key, value: value})
	c.entries[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry[K, V]).key)
		}
	}
}

// keyLock returns (creating if needed) the per-key mutex that guards
// concurrent loads of key, so that two readers racing to decode the same
// chunk serialize on one decode instead of duplicating work.
func (c *LRU[K, V]) keyLock(key K) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.keyLocks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	c.keyLocks[key] = m
	return m
}

// GetOrLoad returns the cached value for key, or calls load to produce
// it, caching the result. Concurrent GetOrLoad calls for the same key
// block on the same load rather than each calling load independently.
func (c *LRU[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

// Len reports the number of entries currently cached.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
