// Package cache provides a byte-bounded LRU cache for immutable blocks.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Key identifies a cached block. Offsets are block-aligned byte offsets
// within the named blob.
type Key struct {
	Name   string
	Offset int64
}

// BlockCache is a byte-oriented cache for immutable blocks. Returned slices
// must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block, or ok=false if missing.
	Get(key Key) (b []byte, ok bool)
	// Set caches a block. The cache retains b; the caller must not mutate it.
	Set(key Key, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key Key) bool)
	// Stats returns hit and miss counts.
	Stats() (hits, misses int64)
}

// LRU is a BlockCache with least-recently-used eviction, bounded by total
// payload bytes.
type LRU struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[Key]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

var _ BlockCache = (*LRU)(nil)

type entry struct {
	key   Key
	value []byte
}

// NewLRU creates an LRU cache holding at most capacity payload bytes.
func NewLRU(capacity int64) *LRU {
	return &LRU{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
	}
}

// Get returns a cached block.
func (c *LRU) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	c.evictList.MoveToFront(elem)

	return elem.Value.(*entry).value, true
}

// Set caches a block. Blocks larger than the cache capacity are not admitted.
func (c *LRU) Set(key Key, b []byte) {
	if int64(len(b)) > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		c.size += int64(len(b)) - int64(len(ent.value))
		ent.value = b
		c.evictList.MoveToFront(elem)
	} else {
		c.items[key] = c.evictList.PushFront(&entry{key: key, value: b})
		c.size += int64(len(b))
	}

	for c.size > c.capacity {
		c.evictOldestLocked()
	}
}

// Invalidate removes entries matching the predicate.
func (c *LRU) Invalidate(predicate func(key Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if predicate(key) {
			c.removeLocked(key, elem)
		}
	}
}

// Stats returns hit and miss counts.
func (c *LRU) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached blocks.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Size returns the total payload bytes currently cached.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

func (c *LRU) evictOldestLocked() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}

	c.removeLocked(elem.Value.(*entry).key, elem)
}

func (c *LRU) removeLocked(key Key, elem *list.Element) {
	c.evictList.Remove(elem)
	delete(c.items, key)
	c.size -= int64(len(elem.Value.(*entry).value))
}
