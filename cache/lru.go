// Package cache provides the decoded-tile read cache: strict LRU, bounded
// by resident bytes, with pinning so tiles referenced by an in-flight fetch
// cannot be evicted from under the caller.
package cache

import (
	"container/list"
	"sync"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/tile"
)

// DefaultCapacityBytes bounds the cache when the caller does not configure
// one.
const DefaultCapacityBytes = int64(512 << 20)

type entry struct {
	id   octree.NodeId
	til  *tile.Tile
	size int64
	pins int
	elem *list.Element
}

// LRU is the decoded tile cache. All operations are O(1) under one mutex.
type LRU struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	entries  map[octree.NodeId]*entry
	order    *list.List // front is most recently used
}

// New creates a cache bounded to capacityBytes of decoded tile data.
func New(capacityBytes int64) *LRU {
	if capacityBytes <= 0 {
		capacityBytes = DefaultCapacityBytes
	}
	return &LRU{
		capacity: capacityBytes,
		entries:  map[octree.NodeId]*entry{},
		order:    list.New(),
	}
}

// Pin keeps one cache entry resident until released.
type Pin struct {
	c    *LRU
	e    *entry
	once sync.Once
}

// Release drops the pin; the entry becomes evictable again once all pins on
// it are gone. Safe to call more than once.
func (p *Pin) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.c.mu.Lock()
		defer p.c.mu.Unlock()
		p.e.pins--
		p.c.evictLocked()
	})
}

// Get returns the cached tile for id, pinned, or nil when absent.
func (c *LRU) Get(id octree.NodeId) (*tile.Tile, *Pin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, nil
	}
	c.order.MoveToFront(e.elem)
	e.pins++
	return e.til, &Pin{c: c, e: e}
}

// Add inserts a decoded tile and returns it pinned. Adding an id that is
// already present just pins the existing entry.
func (c *LRU) Add(id octree.NodeId, t *tile.Tile) (*tile.Tile, *Pin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.order.MoveToFront(e.elem)
		e.pins++
		return e.til, &Pin{c: c, e: e}
	}
	e := &entry{id: id, til: t, size: t.ByteSize(), pins: 1}
	e.elem = c.order.PushFront(e)
	c.entries[id] = e
	c.used += e.size
	c.evictLocked()
	return t, &Pin{c: c, e: e}
}

// evictLocked drops least-recently-used unpinned entries until the cache
// fits its capacity. Pinned entries are skipped, so the cache can
// transiently exceed capacity while many fetches are outstanding.
func (c *LRU) evictLocked() {
	for elem := c.order.Back(); elem != nil && c.used > c.capacity; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.pins == 0 {
			c.order.Remove(elem)
			delete(c.entries, e.id)
			c.used -= e.size
		}
		elem = prev
	}
}

// UsedBytes returns the resident decoded bytes.
func (c *LRU) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of resident tiles.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
