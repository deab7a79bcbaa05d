//go:build go1.23

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xunsafe/layout"
)

// Addr is a typed, GC-invisible address: a uintptr that remembers what type
// of value it would point to, without actually being a pointer the garbage
// collector will trace.
//
// This is the representation used everywhere in the allocator core for
// addresses inside OS-reserved arenas: region bases, slot addresses, free
// lists threaded through freed slots. None of that memory is ever visible to
// Go's own garbage collector (it isn't backed by a Go allocation), so a raw
// *T would be unsafe to hold across a GC-visible field; a uintptr is not.
type Addr[T any] uintptr

// AddrOf returns the address of p as an [Addr].
func AddrOf[T any](p *T) Addr[T] { return Addr[T](unsafe.Pointer(p)) }

// EndOf returns the address one past the last element of s.
func EndOf[S ~[]E, E any](s S) Addr[E] {
	return AddrOf(unsafe.SliceData(s)).Add(len(s))
}

// AssertValid converts this address back into a pointer.
//
// The name is a reminder that this is exactly as unsafe as a raw pointer
// cast: the caller must know that the address is currently backed by live,
// committed memory of the right shape.
func (a Addr[T]) AssertValid() *T {
	if a == 0 {
		return nil
	}
	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add adds n elements worth of offset (scaled by sizeof T) to a.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](layout.Size[T]()*n)
}

// ByteAdd adds n bytes of offset, unscaled, to a.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub computes the difference, in elements of T, between a and b.
func (a Addr[T]) Sub(b Addr[T]) int {
	size := layout.Size[T]()
	if size == 0 {
		return 0
	}
	return int(int64(a)-int64(b)) / size
}

// Padding returns how many bytes must be added to a to reach the next
// multiple of align.
func (a Addr[T]) Padding(align int) int {
	return int(layout.Padding(uintptr(a), uintptr(align)))
}

// RoundUpTo rounds a up to the next multiple of align.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(uintptr(a), uintptr(align)))
}

// SignBit reports whether the top bit of a is set.
//
// Used as a one-instruction "is this the null/sentinel address" check on
// platforms where address space is canonicalized with the top bit clear.
func (a Addr[T]) SignBit() bool {
	return int(a) < 0
}

// SignBitMask returns all-ones if [Addr.SignBit] is set, all-zeros otherwise.
func (a Addr[T]) SignBitMask() Addr[T] {
	return Addr[T](int(a) >> (unsafe.Sizeof(a)*8 - 1))
}

// ClearSignBit clears the top bit of a.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (Addr[T](1) << (unsafe.Sizeof(a)*8 - 1))
}

// String implements [fmt.Stringer].
func (a Addr[T]) String() string { return fmt.Sprintf("0x%x", uintptr(a)) }

// Format implements [fmt.Formatter], so %x prints just the hex digits.
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x':
		fmt.Fprintf(s, "%x", uintptr(a))
	default:
		fmt.Fprintf(s, "0x%x", uintptr(a))
	}
}
