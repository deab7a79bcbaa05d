package slab

import (
	"sync/atomic"
	"unsafe"
)

// NotifiedStack is the lock-free Treiber stack of regions that have
// pending cross-thread frees, keyed on a single owner (spec.md §4.D/§4.E):
// "the region is in the notified stack of exactly one owner at a time".
//
// Its head is a single atomic word packing a 16-bit generation counter into
// the top bits of a canonical (48-bit) pointer -- the same bit-stealing
// trick pkg/xunsafe.Addr's SignBit/ClearSignBit/SignBitMask expose for
// address arithmetic, applied here to dodge ABA on a CAS loop without a
// separate counter word or a double-wide CAS.
type NotifiedStack struct {
	head atomic.Uint64
}

const notifiedAddrMask = uint64(1)<<48 - 1

func packNotified(gen uint16, r *Region) uint64 {
	return uint64(gen)<<48 | (uint64(uintptr(unsafe.Pointer(r))) & notifiedAddrMask)
}

func unpackNotified(v uint64) (uint16, *Region) {
	gen := uint16(v >> 48)
	addr := uintptr(v & notifiedAddrMask)
	return gen, (*Region)(unsafe.Pointer(addr))
}

// Push links r onto the stack. r must not already be linked into any
// notified stack (spec.md's single-owner invariant).
func (s *NotifiedStack) Push(r *Region) {
	for {
		old := s.head.Load()
		gen, head := unpackNotified(old)
		r.notifiedNext = unsafe.Pointer(head)
		next := packNotified(gen+1, r)
		if s.head.CompareAndSwap(old, next) {
			return
		}
	}
}

// DrainAll atomically clears the stack and returns the region that was at
// its head (nil if empty); callers walk the rest via Region.notifiedNext.
func (s *NotifiedStack) DrainAll() *Region {
	for {
		old := s.head.Load()
		gen, head := unpackNotified(old)
		if head == nil {
			return nil
		}
		next := packNotified(gen+1, nil)
		if s.head.CompareAndSwap(old, next) {
			return head
		}
	}
}

// NotifiedNext returns the next region linked after r by a prior DrainAll,
// for walking the list a drain produced.
func NotifiedNext(r *Region) *Region {
	return (*Region)(r.notifiedNext)
}

// Empty reports whether the stack currently has no nodes (racy, see
// internal/xsync.StampedStack.Empty).
func (s *NotifiedStack) Empty() bool {
	_, head := unpackNotified(s.head.Load())
	return head == nil
}
