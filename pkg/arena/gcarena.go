package arena

import (
	"math/bits"
	"reflect"
	"runtime"
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xunsafe"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xunsafe/layout"
)

// Allocator is the bump-allocation interface pkg/arena/slice and
// pkg/schema's registry build on: a place to carve Go-GC-visible scratch
// memory for bookkeeping structures (swiss-table groups, schema records)
// that are small, numerous, and not part of the OS-managed heap the rest of
// this module allocates for user objects (that heap is Manager/Descriptor,
// above).
type Allocator interface {
	Alloc(size int) *byte
	Release(p *byte, size int)
}

// AllocatorExt additionally exposes the bump cursor, used by pkg/arena/slice
// to grow a slice in place when its storage is the arena's current tail.
type AllocatorExt interface {
	Allocator
	Next() xunsafe.Addr[byte]
	End() xunsafe.Addr[byte]
	Cap() int
	Advance(n int)
	Log(op, format string, args ...any)
}

// Arena is a bump allocator for Go-GC-visible scratch memory: the schema
// registry's swiss-table groups, and anything else that is metadata about
// the OS-managed heap rather than part of it.
//
// A zero Arena is empty and ready to use.
type Arena struct {
	_ xunsafe.NoCopy

	next, end xunsafe.Addr[byte]
	cap       int // Always a power of 2.

	blocks []*byte
	keep   []unsafe.Pointer
}

var _ Allocator = (*Arena)(nil)
var _ AllocatorExt = (*Arena)(nil)

// Align is the alignment of all objects on the arena.
const Align = int(unsafe.Sizeof(uintptr(0)))

// New allocates a new value of type T on an arena.
func New[T any](a Allocator, value T) *T {
	l := layout.Of[T]()
	if l.Align > Align {
		panic("over-aligned object")
	}
	p := xunsafe.Cast[T](a.Alloc(l.Size))
	*p = value
	return p
}

// GCFree releases a value of type T previously allocated from the given
// allocator. Named to avoid colliding with the OS-arena package-level
// Free-like operations that pkg/region/pkg/slab expose.
func GCFree[T any](a Allocator, p *T) {
	a.Release(xunsafe.Cast[byte](p), layout.Of[T]().Size)
}

// KeepAlive ensures that v is not swept by the GC until all pointers into
// the arena go away.
func (a *Arena) KeepAlive(v any) {
	a.keep = append(a.keep, unsafe.Pointer(xunsafe.AnyData(v)))
}

// Alloc allocates size bytes of pointer-aligned, possibly-uninitialized
// memory. Do not use this method directly, use [New] instead.
func (a *Arena) Alloc(size int) *byte {
	alignedSize := alignUp(size)

	if a.next.Add(alignedSize) <= a.end {
		p := a.next.AssertValid()
		a.next = a.next.Add(alignedSize)
		a.Log("alloc", "%v:%v, %d:%d", p, a.next, alignedSize, Align)
		return p
	}

	a.Grow(alignedSize)
	p := a.next.AssertValid()
	a.next = a.next.Add(alignedSize)
	a.Log("alloc", "%v:%v, %d:%d", p, a.next, alignedSize, Align)
	return p
}

// Release is a no-op for Arena: memory is freed on Reset.
func (a *Arena) Release(p *byte, size int) {}

// Reserve ensures that at least size bytes can be allocated without calling
// [Arena.Grow].
func (a *Arena) Reserve(size int) {
	if a.next.Add(size) > a.end {
		a.Grow(size)
	}
}

// Reset resets this arena to an empty state; memory allocated by it must
// not be referenced afterward.
func (a *Arena) Reset() {
	if len(a.blocks) == 0 {
		return
	}
	end := len(a.blocks) - 1
	clear(a.blocks[:end])
	xunsafe.Clear(a.blocks[end], 1<<end)

	a.next = xunsafe.AddrOf(a.blocks[end])
	a.end = a.next.Add(1 << end)
	a.cap = 1 << end
	a.keep = nil
}

// Grow allocates fresh memory onto next of at least the given size.
//
//go:nosplit
func (a *Arena) Grow(size int) {
	xunsafe.Escape(a)
	p, n := a.allocChunk(max(size, a.cap*2))

	a.next = xunsafe.AddrOf(p)
	a.end = a.next.Add(n)
	a.cap = n
	a.Log("grow", "%v:%v:%d\n", a.next, a.end, a.cap)
}

func (a *Arena) Next() xunsafe.Addr[byte] { return a.next }
func (a *Arena) End() xunsafe.Addr[byte]  { return a.end }
func (a *Arena) Cap() int                 { return a.cap }
func (a *Arena) Advance(n int)            { a.next = a.next.Add(n) }

func (a *Arena) Log(op, format string, args ...any) {
	debug.Log([]any{"%p %v:%v", a, a.next, a.end}, op, format, args...)
}

func alignUp(size int) int {
	size += Align - 1
	size &^= Align - 1
	return size
}

func suggestSizeLog(bytes int) uint {
	return max(4, uint(bits.Len(uint(bytes)-1)))
}

// SuggestSize suggests an allocation size by rounding up to a power of 2.
func SuggestSize(bytes int) int {
	n := 1 << suggestSizeLog(bytes)
	if bytes == 0 {
		return n
	}
	return n
}

func (a *Arena) allocChunk(size int) (*byte, int) {
	log := suggestSizeLog(size)
	n := 1 << log
	if int(log) < len(a.blocks) {
		if a.blocks[log] == nil {
			a.blocks[log] = allocTraceable(n, unsafe.Pointer(a))
		}
		return a.blocks[log], n
	}

	p := allocTraceable(n, unsafe.Pointer(a))
	if a.blocks == nil {
		a.blocks = make([]*byte, 64)
		if debug.Enabled {
			addr := xunsafe.AddrOf(a)
			runtime.SetFinalizer(unsafe.SliceData(a.blocks), func(**byte) {
				debug.Log(nil, "arena collected", "addr: %v", addr)
			})
		}
	}
	a.blocks = a.blocks[:log+1]
	a.blocks[log] = p
	return p, n
}

// allocTraceable allocates size bytes of garbage-collected memory, storing
// ptr alongside it so the GC keeps ptr (the owning *Arena) alive for as
// long as any pointer into the allocation is live.
func allocTraceable(size int, ptr unsafe.Pointer) *byte {
	var shape reflect.Type
	size = layout.RoundUp(size, layout.Align[*byte]())

	if isPow2(size) {
		shape = shapes[bits.TrailingZeros(uint(size))]
	} else {
		shape = reflect.StructOf([]reflect.StructField{
			{Name: "Data", Type: reflect.ArrayOf(size, reflect.TypeFor[byte]())},
			{Name: "Arena", Type: reflect.TypeFor[*Arena]()},
		})
	}

	p := (*byte)(reflect.New(shape).UnsafePointer())
	xunsafe.ByteStore(p, size, ptr)
	return p
}

func isPow2(n int) bool { return n&(n-1) == 0 }
