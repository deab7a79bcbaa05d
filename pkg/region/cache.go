package region

import "sync"

// Cache is a per-sizing_id retention cache of free regions: spec.md's "the
// sizing's retention cache has a cached-free region, pop and return it" and
// its mirror, "the region goes to the retention cache if the cache is
// under its retention limit".
//
// This is the teacher's Recycled per-size-class free list (see
// DESIGN.md; the teacher's recycle.go is not kept), widened from "byte-granularity
// blocks threaded through their own first word" to "region-granularity
// Handles held in a plain Go slice": a whole region is identified by a
// Handle rather than a pointer into itself, so the cache never has to fault
// in committed memory just to read the next link.
type Cache struct {
	mu     sync.Mutex
	sizing Sizing
	free   []Handle
}

// NewCache creates an empty retention cache governed by sizing.
func NewCache(sizing Sizing) *Cache {
	return &Cache{sizing: sizing}
}

// Pop removes and returns a cached-free region, or ok=false if the cache is
// empty.
func (c *Cache) Pop() (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.free) == 0 {
		return Handle{}, false
	}
	n := len(c.free) - 1
	h := c.free[n]
	c.free = c.free[:n]
	return h, true
}

// Push adds h to the cache if it is under its retention limit. Returns
// false if the cache was full and h was not retained (the caller must then
// decommit and coalesce it back into the arena).
func (c *Cache) Push(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint32(len(c.free)) >= c.sizing.Retention {
		return false
	}
	c.free = append(c.free, h)
	return true
}

// Len reports how many regions are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}
