// Package central is spec.md's MemoryCentralContext: the one-per-process
// fallback when a thread's local context runs out of usable regions, and
// the place orphaned regions from dead threads end up until the background
// worker redistributes them.
package central

import (
	"sync"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/slab"
)

// classContext is one class's slice of the central context: mutex-guarded
// usables and disposables, plus a cross-thread notified stack for regions
// whose owner is the central context itself (orphaned by a dead thread).
type classContext struct {
	mu          sync.Mutex
	usables     []*slab.Region
	disposables []*slab.Region
	notified    slab.NotifiedStack
}

// Context holds one classContext per object class, per managed/unmanaged
// half, plus a per-sizing_id retention cache of fully empty, still-
// committed regions shared by every class of that sizing (spec.md §4.C's
// "sizing's retention cache", pkg/region.Cache).
type Context struct {
	unmanaged [len(slab.Classes)]classContext
	managed   [len(slab.Classes)]classContext

	dir    *directory.Directory
	caches [2][len(region.DefaultSizings)]*region.Cache
}

// New creates an empty central Context. dir is used to resolve a cached
// region.Handle back to its *slab.Region on reuse.
func New(dir *directory.Directory) *Context {
	c := &Context{dir: dir}
	for half := range c.caches {
		for sizingID, sizing := range region.DefaultSizings {
			c.caches[half][sizingID] = region.NewCache(sizing)
		}
	}
	return c
}

func (c *Context) cacheFor(managed bool, sizingID int) *region.Cache {
	half := 0
	if managed {
		half = 1
	}
	return c.caches[half][sizingID]
}

// resolveRegion turns a cached Handle back into the *slab.Region the arena
// layer recorded for it via Descriptor.SetObject, or nil if it can no
// longer be resolved (it should always resolve; nil only guards against a
// directory inconsistency).
func (c *Context) resolveRegion(h region.Handle) *slab.Region {
	if c.dir == nil {
		return nil
	}
	e := c.dir.LookupArena(h.ArenaID)
	if e == nil || e.Descriptor == nil {
		return nil
	}
	d := (*arena.Descriptor)(e.Descriptor)
	obj := d.Object(h.Index)
	if obj == nil {
		return nil
	}
	return (*slab.Region)(obj)
}

func (c *Context) half(managed bool) *[len(slab.Classes)]classContext {
	if managed {
		return &c.managed
	}
	return &c.unmanaged
}

// NotifyCrossThreadFree implements slab.Owner for regions the central
// context itself owns (this happens once a thread-owned region has been
// reclaimed into the central context by the background worker).
func (c *Context) NotifyCrossThreadFree(classIndex int, r *slab.Region) {
	cc := &c.half(r.Managed)[classIndex]
	cc.notified.Push(r)
}

// AcquireBatch transfers up to n usable regions out of the central context
// for classIndex, for a local context that has exhausted its own usable
// list (spec.md §4.F).
func (c *Context) AcquireBatch(classIndex int, managed bool, n int) []*slab.Region {
	cc := &c.half(managed)[classIndex]
	cache := c.cacheFor(managed, slab.Classes[classIndex].SizingID)

	cc.mu.Lock()
	defer cc.mu.Unlock()

	var batch []*slab.Region
	for len(batch) < n {
		h, ok := cache.Pop()
		if !ok {
			break
		}
		if r := c.resolveRegion(h); r != nil {
			batch = append(batch, r)
		}
	}

	remaining := n - len(batch)
	if remaining > len(cc.usables) {
		remaining = len(cc.usables)
	}
	if remaining > 0 {
		batch = append(batch, cc.usables[len(cc.usables)-remaining:]...)
		cc.usables = cc.usables[:len(cc.usables)-remaining]
	}
	return batch
}

// ReceiveDisposables accepts regions a local context has scavenged back
// (either genuinely empty, or simply excess usable capacity it no longer
// wants to hold onto).
func (c *Context) ReceiveDisposables(classIndex int, managed bool, regions []*slab.Region) {
	cc := &c.half(managed)[classIndex]
	cache := c.cacheFor(managed, slab.Classes[classIndex].SizingID)

	cc.mu.Lock()
	defer cc.mu.Unlock()

	for _, r := range regions {
		r.SetOwner(classIndex, c)
		switch {
		case r.Empty() && cache.Push(r.Handle):
			// retained, pages still committed, ready for instant reuse.
		case r.Empty():
			cc.disposables = append(cc.disposables, r)
		default:
			cc.usables = append(cc.usables, r)
		}
	}
}

// Scavenge drains the notified stack for every class, for regions whose
// owner is the central context (orphaned by a dead thread), folding newly
// non-full/empty regions back into usables/disposables. Returns how many
// regions were processed, for the controller's cleanup-cycle accounting.
func (c *Context) Scavenge() int {
	processed := 0
	for _, managed := range [2]bool{false, true} {
		half := c.half(managed)
		for classIndex := range half {
			cc := &half[classIndex]
			for r := cc.notified.DrainAll(); r != nil; {
				next := slab.NotifiedNext(r)
				r.DrainCrossThreadFreed()
				cc.mu.Lock()
				if r.Empty() {
					cc.disposables = append(cc.disposables, r)
				} else {
					cc.usables = append(cc.usables, r)
				}
				cc.mu.Unlock()
				processed++
				r = next
			}
		}
	}
	if processed > 0 {
		debug.Log(nil, "central scavenge", "%d regions processed", processed)
	}
	return processed
}

// DisposablesFor returns and clears classIndex's disposables list, for the
// controller to hand to pkg/region/pkg/arena for release back to the OS.
func (c *Context) DisposablesFor(classIndex int, managed bool) []*slab.Region {
	cc := &c.half(managed)[classIndex]
	cc.mu.Lock()
	defer cc.mu.Unlock()
	d := cc.disposables
	cc.disposables = nil
	return d
}
