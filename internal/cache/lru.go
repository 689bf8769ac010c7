// Package cache provides the LRU caches used for table blocks and open
// table readers.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRU is a thread-safe least-recently-used cache bounded by total charge.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	table    map[K]*list.Element
	lru      *list.List
	onEvict  func(K, V)

	hits   atomic.Uint64
	misses atomic.Uint64
}

type lruEntry[K comparable, V any] struct {
	key    K
	value  V
	charge int64
}

// NewLRU creates an LRU holding at most capacity charge. onEvict, when not
// nil, runs for every entry dropped by eviction, Erase or Clear, outside the
// cache lock.
func NewLRU[K comparable, V any](capacity int64, onEvict func(K, V)) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: capacity,
		table:    make(map[K]*list.Element),
		lru:      list.New(),
		onEvict:  onEvict,
	}
}

// Insert adds or replaces key. An entry larger than the whole capacity is
// not cached.
func (c *LRU[K, V]) Insert(key K, value V, charge int64) {
	var evicted []*lruEntry[K, V]
	c.mu.Lock()
	if elem, ok := c.table[key]; ok {
		old := elem.Value.(*lruEntry[K, V])
		c.lru.Remove(elem)
		delete(c.table, key)
		c.usage -= old.charge
		evicted = append(evicted, old)
	}
	if charge <= c.capacity {
		for c.usage+charge > c.capacity && c.lru.Len() > 0 {
			evicted = append(evicted, c.removeOldest())
		}
		e := &lruEntry[K, V]{key: key, value: value, charge: charge}
		c.table[key] = c.lru.PushFront(e)
		c.usage += charge
	}
	c.mu.Unlock()
	c.evict(evicted)
}

// Get returns the value for key and marks it recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	elem, ok := c.table[key]
	if ok {
		c.lru.MoveToFront(elem)
	}
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return elem.Value.(*lruEntry[K, V]).value, true
}

// Erase removes key.
func (c *LRU[K, V]) Erase(key K) {
	c.mu.Lock()
	elem, ok := c.table[key]
	var e *lruEntry[K, V]
	if ok {
		e = elem.Value.(*lruEntry[K, V])
		c.lru.Remove(elem)
		delete(c.table, key)
		c.usage -= e.charge
	}
	c.mu.Unlock()
	if ok {
		c.evict([]*lruEntry[K, V]{e})
	}
}

// EraseIf removes every entry whose key satisfies match.
func (c *LRU[K, V]) EraseIf(match func(K) bool) {
	var evicted []*lruEntry[K, V]
	c.mu.Lock()
	for key, elem := range c.table {
		if match(key) {
			e := elem.Value.(*lruEntry[K, V])
			c.lru.Remove(elem)
			delete(c.table, key)
			c.usage -= e.charge
			evicted = append(evicted, e)
		}
	}
	c.mu.Unlock()
	c.evict(evicted)
}

// Clear removes every entry.
func (c *LRU[K, V]) Clear() {
	c.EraseIf(func(K) bool { return true })
}

// SetCapacity changes the capacity, evicting as needed.
func (c *LRU[K, V]) SetCapacity(capacity int64) {
	var evicted []*lruEntry[K, V]
	c.mu.Lock()
	c.capacity = capacity
	for c.usage > c.capacity && c.lru.Len() > 0 {
		evicted = append(evicted, c.removeOldest())
	}
	c.mu.Unlock()
	c.evict(evicted)
}

// Capacity returns the configured capacity.
func (c *LRU[K, V]) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Usage returns the total charge of cached entries.
func (c *LRU[K, V]) Usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Hits returns the number of successful lookups.
func (c *LRU[K, V]) Hits() uint64 { return c.hits.Load() }

// Misses returns the number of failed lookups.
func (c *LRU[K, V]) Misses() uint64 { return c.misses.Load() }

func (c *LRU[K, V]) removeOldest() *lruEntry[K, V] {
	elem := c.lru.Back()
	e := elem.Value.(*lruEntry[K, V])
	c.lru.Remove(elem)
	delete(c.table, e.key)
	c.usage -= e.charge
	return e
}

func (c *LRU[K, V]) evict(entries []*lruEntry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range entries {
		c.onEvict(e.key, e.value)
	}
}
