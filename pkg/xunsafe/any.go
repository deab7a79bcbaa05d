//go:build go1.23

package xunsafe

import (
	"reflect"
	"testing"
	"unsafe"
)

// eface mirrors the runtime representation of an any: a pointer to the
// dynamic type descriptor and a data word holding either the value itself
// (when the value's representation already fits in one pointer-sized word)
// or a pointer to a heap copy of it otherwise.
type eface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

// AnyType returns the address of v's dynamic type descriptor, for use as an
// opaque identity (compare with ==, or round-trip through [MakeAny]).
func AnyType(v any) uintptr {
	return uintptr((*eface)(unsafe.Pointer(&v)).typ)
}

// AnyData returns v's data word: the value itself, reinterpreted as a
// pointer, when v is direct (see [IsDirectAny]), or a pointer to v's boxed
// copy otherwise.
func AnyData(v any) unsafe.Pointer {
	return (*eface)(unsafe.Pointer(&v)).data
}

// AnyBytes returns the raw bytes backing v's value.
func AnyBytes(v any) []byte {
	if v == nil {
		return nil
	}
	size := reflect.TypeOf(v).Size()
	if size == 0 {
		return []byte{}
	}
	ep := (*eface)(unsafe.Pointer(&v))
	if IsDirectAny(v) {
		return unsafe.Slice((*byte)(unsafe.Pointer(&ep.data)), size)
	}
	return unsafe.Slice((*byte)(ep.data), size)
}

// MakeAny reconstructs an any from a type/data pair previously split by
// [AnyType] and [AnyData].
func MakeAny(typ uintptr, data unsafe.Pointer) any {
	var v any
	ep := (*eface)(unsafe.Pointer(&v))
	ep.typ = unsafe.Pointer(typ)
	ep.data = data
	return v
}

// IsDirectAny reports whether v's dynamic type is direct: its
// representation already fits in one pointer-sized word, so storing it in
// an any reuses that word instead of boxing a copy on the heap.
func IsDirectAny(v any) bool {
	if v == nil {
		return false
	}
	return isDirectType(reflect.TypeOf(v))
}

// IsDirect is the static-type form of [IsDirectAny].
func IsDirect[T any]() bool {
	return isDirectType(reflect.TypeFor[T]())
}

func isDirectType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.UnsafePointer, reflect.Chan, reflect.Map, reflect.Func, reflect.Interface:
		return true
	case reflect.Struct:
		return t.NumField() == 1 && isDirectType(t.Field(0).Type)
	case reflect.Array:
		return t.Len() == 1 && isDirectType(t.Elem())
	default:
		return false
	}
}

// AssertInlinedAny fails t unless T is direct, i.e. a value of type T
// stored in an any never needs a separate heap allocation for its data.
func AssertInlinedAny[T any](t testing.TB) {
	t.Helper()
	if !IsDirect[T]() {
		t.Fatalf("%v is not inlined in an any", reflect.TypeFor[T]())
	}
}
