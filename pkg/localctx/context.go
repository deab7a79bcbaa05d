// Package localctx is the per-thread allocation fast path: spec.md's
// MemoryContext. Allocations on this path touch only thread-local
// structures and are uncontended; cross-thread frees land in a lock-free
// notified stack that the owning thread drains on its next allocation.
package localctx

import (
	"unsafe"

	"github.com/timandy/routine"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/slab"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xerrors"
)

// CentralProvider is implemented by pkg/central.Context. It is an interface
// here, rather than a direct dependency, so that pkg/central can in turn
// depend on pkg/localctx's Owner implementation without an import cycle.
type CentralProvider interface {
	AcquireBatch(classIndex int, managed bool, n int) []*slab.Region
	ReceiveDisposables(classIndex int, managed bool, regions []*slab.Region)
}

// classPool is one object class's slice of a context: spec.md's
// {active_region, usable_list, cross_thread_notified_list,
// disposables_list}.
type classPool struct {
	active      *slab.Region
	usable      []*slab.Region
	notified    slab.NotifiedStack
	disposables []*slab.Region
}

// ObjectLocalContext is one of the two halves (unmanaged/managed) of a
// Context: an array of per-class pools.
type ObjectLocalContext struct {
	classes [len(slab.Classes)]classPool
}

// Context is spec.md's MemoryContext: the per-thread owner of two
// ObjectLocalContexts, bound to the calling goroutine via
// github.com/timandy/routine's goroutine-local storage -- the same library
// the teacher already depends on for the identical purpose (tagging a debug
// log line with the calling goroutine, internal/debug/debug.go's use of
// routine.Goid()), generalized here from "debug log tag" to "owning
// *Context".
type Context struct {
	Unmanaged ObjectLocalContext
	Managed   ObjectLocalContext

	central  CentralProvider
	arenaMgr *arena.Manager
	consumer arena.Consumer

	// recovered is set when the background worker reclaims this context
	// from a dead thread; pkg/controller checks it before reusing the slot.
	recovered bool
}

var _ slab.Owner = (*Context)(nil)

var tls = routine.NewThreadLocal[*Context]()

// New creates a context wired to the given central context, arena manager,
// and starvation consumer.
func New(central CentralProvider, arenaMgr *arena.Manager, consumer arena.Consumer) *Context {
	return &Context{central: central, arenaMgr: arenaMgr, consumer: consumer}
}

// Current returns the calling goroutine's bound Context, or nil if none has
// been bound yet (pkg/controller.AcquireContext binds one on first use).
func Current() *Context { return tls.Get() }

// Bind associates ctx with the calling goroutine.
func Bind(ctx *Context) { tls.Set(ctx) }

// Unbind clears the calling goroutine's association, used on thread/ handle
// detach (pkg/abi's detach_current_thread).
func Unbind() { tls.Remove() }

func (c *Context) half(managed bool) *ObjectLocalContext {
	if managed {
		return &c.Managed
	}
	return &c.Unmanaged
}

// NotifyCrossThreadFree implements slab.Owner: pushes r onto this
// context's per-class notified stack, so the owning thread finds it on its
// next drain (step 2 of the allocation path).
func (c *Context) NotifyCrossThreadFree(classIndex int, r *slab.Region) {
	pool := &c.half(r.Managed).classes[classIndex]
	pool.notified.Push(r)
}

// Allocate implements spec.md §4.E's 5-step allocation path for the given
// class, returning the acquired slot's header and data pointer.
func (c *Context) Allocate(classIndex int, managed bool) (*slab.Header, unsafe.Pointer, error) {
	class := &slab.Classes[classIndex]
	pool := &c.half(managed).classes[classIndex]

	// 1. active_region fast path.
	if pool.active != nil {
		if idx, hdr, ok := pool.active.AcquireSlot(); ok {
			return hdr, slotPointer(class, pool.active.Base, idx), nil
		}
		if pool.active.Full() {
			pool.active = nil
		}
	}

	// 2. drain the notified stack.
	c.drainNotified(pool, classIndex, managed)
	if pool.active != nil {
		if idx, hdr, ok := pool.active.AcquireSlot(); ok {
			return hdr, slotPointer(class, pool.active.Base, idx), nil
		}
	}

	// 3. pop from usable_list.
	if len(pool.usable) > 0 {
		n := len(pool.usable) - 1
		pool.active = pool.usable[n]
		pool.usable = pool.usable[:n]
		if idx, hdr, ok := pool.active.AcquireSlot(); ok {
			return hdr, slotPointer(class, pool.active.Base, idx), nil
		}
	}

	// 4. ask the central context for a batch.
	if c.central != nil {
		if batch := c.central.AcquireBatch(classIndex, managed, 4); len(batch) > 0 {
			for _, r := range batch {
				r.SetOwner(classIndex, c)
			}
			pool.active = batch[0]
			pool.usable = append(pool.usable, batch[1:]...)
			if idx, hdr, ok := pool.active.AcquireSlot(); ok {
				return hdr, slotPointer(class, pool.active.Base, idx), nil
			}
		}
	}

	// 5. allocate a fresh region from the arena manager.
	r, err := c.allocateFreshRegion(class, classIndex, managed)
	if err != nil {
		return nil, nil, err
	}
	pool.active = r
	idx, hdr, ok := r.AcquireSlot()
	if !ok {
		return nil, nil, xerrors.Sentinel(xerrors.Corruption)
	}
	return hdr, slotPointer(class, r.Base, idx), nil
}

func slotPointer(class *slab.Class, base uintptr, idx uint32) unsafe.Pointer {
	return unsafe.Pointer(class.SlotAddress(base, idx) + 8) // past the Header word
}

func (c *Context) allocateFreshRegion(class *slab.Class, classIndex int, managed bool) (*slab.Region, error) {
	d, index, err := c.arenaMgr.AllocateRegion(class.RegionSizeL2, class.Sizing(), managed, region.LayoutID(classIndex), c.consumer)
	if err != nil {
		return nil, err
	}
	r := &slab.Region{Handle: region.Handle{ArenaID: d.ArenaID, Index: index}, Base: d.RegionBase(index), Class: class, Managed: managed}
	r.SetOwner(classIndex, c)
	d.SetObject(index, unsafe.Pointer(r))
	return r, nil
}

// drainNotified moves every region waiting on pool.notified back into
// active/usable/disposables, per spec.md §4.E step 2.
func (c *Context) drainNotified(pool *classPool, classIndex int, managed bool) {
	for r := pool.notified.DrainAll(); r != nil; {
		next := slab.NotifiedNext(r)
		wasFull := r.Full()
		freed := r.DrainCrossThreadFreed()
		_ = freed
		switch {
		case r.Empty():
			pool.disposables = append(pool.disposables, r)
		case wasFull:
			if pool.active == nil {
				pool.active = r
			} else {
				pool.usable = append(pool.usable, r)
			}
		}
		r = next
	}
}

// ReleaseLocal implements the local-thread fast path of free: this must
// only be called when the calling thread is the slot's region's owner.
func (c *Context) ReleaseLocal(classIndex int, managed bool, r *slab.Region, index uint32) {
	wasFull := r.Full()
	r.ReleaseSlotLocal(index)
	pool := &c.half(managed).classes[classIndex]
	switch {
	case r.Empty():
		pool.disposables = append(pool.disposables, r)
	case wasFull && pool.active != r:
		pool.usable = append(pool.usable, r)
	}
}

// Scavenge implements spec.md §4.E's cleanup: transfers disposables_list
// back to the central context and caps usable_list length by returning the
// excess, for every class of both halves.
func (c *Context) Scavenge(maxUsablePerClass int) {
	for _, managed := range [2]bool{false, true} {
		half := c.half(managed)
		for classIndex := range half.classes {
			pool := &half.classes[classIndex]
			if len(pool.disposables) > 0 && c.central != nil {
				c.central.ReceiveDisposables(classIndex, managed, pool.disposables)
				pool.disposables = nil
			}
			if excess := len(pool.usable) - maxUsablePerClass; excess > 0 && c.central != nil {
				c.central.ReceiveDisposables(classIndex, managed, pool.usable[:excess])
				pool.usable = pool.usable[excess:]
			}
		}
	}
	debug.Log(nil, "scavenge", "context %p scavenged", c)
}
