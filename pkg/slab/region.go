package slab

import (
	"sync/atomic"
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
)

// Owner is implemented by whatever holds a region's usable/disposables
// lists: pkg/localctx.Context or pkg/central.Context. A region's Owner
// field is the authoritative record of who should be notified on
// cross-thread free, per spec.md §4.D.
type Owner interface {
	// NotifyCrossThreadFree is called when a region transitions from zero
	// to non-zero cross_thread_freed_bitmap, i.e. it must be pushed onto
	// the owner's notified stack.
	NotifyCrossThreadFree(classIndex int, r *Region)
}

// Region is the per-region header: spec.md's ObjectRegion. It is kept as a
// Go-heap struct parallel to the region's OS-committed slot storage (rather
// than packed in-band at the region's base) -- see DESIGN.md for why; what
// the spec's invariants actually require (bitmap popcounts, single-owner
// notified-stack membership) hold regardless of where the struct lives.
type Region struct {
	Handle  region.Handle
	Base    uintptr
	Class   *Class
	Managed bool

	Owner atomic.Pointer[ownerBox]

	UsedBitmap       uint64
	CrossThreadFreed atomic.Uint64

	// next links this region into whichever plain list (usable_list,
	// disposables_list) currently holds it; guarded by that list's owner.
	next *Region

	// notifiedNext is the Treiber-stack link used by the generation-stamped
	// notified stack below; only ever touched under a CAS.
	notifiedNext unsafe.Pointer
}

type ownerBox struct {
	classIndex int
	owner      Owner
}

// SetOwner records who owns this region.
func (r *Region) SetOwner(classIndex int, owner Owner) {
	r.Owner.Store(&ownerBox{classIndex, owner})
}

// OwnerBox returns the class index and Owner currently recorded for this
// region, or (0, nil) if none has been set yet.
func (r *Region) OwnerBox() (int, Owner) {
	b := r.Owner.Load()
	if b == nil {
		return 0, nil
	}
	return b.classIndex, b.owner
}

// Next returns/sets the plain intrusive link used by usable_list and
// disposables_list; callers only touch this while holding whatever lock
// (or thread-locality) guards that list.
func (r *Region) Next() *Region     { return r.next }
func (r *Region) SetNext(n *Region) { r.next = n }

// AcquireSlot pops a free slot from used_bitmap's complement, sets its bit,
// and returns the slot index and its header pointer. ok is false if the
// region is already full.
func (r *Region) AcquireSlot() (index uint32, hdr *Header, ok bool) {
	free := ^r.UsedBitmap & (uint64(1)<<r.Class.ObjectCount - 1)
	if free == 0 {
		return 0, nil, false
	}
	i := uint32(trailingZeros64(free))
	r.UsedBitmap |= 1 << i
	return i, r.headerAt(i), true
}

// Full reports whether every slot is used.
func (r *Region) Full() bool {
	mask := uint64(1)<<r.Class.ObjectCount - 1
	return r.UsedBitmap&mask == mask
}

// Empty reports whether no slot is in use.
func (r *Region) Empty() bool { return r.UsedBitmap == 0 }

func (r *Region) headerAt(i uint32) *Header {
	addr := r.Class.SlotAddress(r.Base, i)
	return (*Header)(unsafe.Pointer(addr))
}

// ReleaseSlotLocal clears index's bit in used_bitmap. The caller (the
// owning thread) is responsible for moving the region between
// usable_list/disposables_list based on the before/after Full/Empty state,
// per spec.md §4.D.
func (r *Region) ReleaseSlotLocal(index uint32) {
	r.UsedBitmap &^= 1 << index
}

// ReleaseSlotCrossThread atomically sets index's bit in
// cross_thread_freed_bitmap. It returns true if this is the transition
// from zero to non-zero (the owner has not yet been told about any other
// pending cross-thread free); the caller then pushes the region onto its
// owner's notified stack via Owner.NotifyCrossThreadFree.
func (r *Region) ReleaseSlotCrossThread(index uint32) (firstNotify bool) {
	bit := uint64(1) << index
	for {
		old := r.CrossThreadFreed.Load()
		if old&bit != 0 {
			debug.Assert(false, "slot %d cross-thread-freed twice without an intervening drain", index)
		}
		next := old | bit
		if r.CrossThreadFreed.CompareAndSwap(old, next) {
			return old == 0
		}
	}
}

// DrainCrossThreadFreed moves every bit set in cross_thread_freed_bitmap
// into used_bitmap's complement (i.e. clears those bits from used_bitmap)
// and clears cross_thread_freed_bitmap, returning which bits were drained.
// Called only by the owning thread, per spec.md §4.E step 2.
func (r *Region) DrainCrossThreadFreed() uint64 {
	freed := r.CrossThreadFreed.Swap(0)
	r.UsedBitmap &^= freed
	return freed
}

// SweepUnmarked clears every bit set in used_bitmap that is not present in
// aliveMask (spec.md §4.H's sweep step: any slot pkg/gc's mark phase did
// not visit this cycle is garbage), returning the bitmask of slots
// reclaimed.
func (r *Region) SweepUnmarked(aliveMask uint64) uint64 {
	dead := r.UsedBitmap &^ aliveMask
	r.UsedBitmap &^= dead
	return dead
}

func trailingZeros64(x uint64) int {
	if x == 0 {
		return 64
	}
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
