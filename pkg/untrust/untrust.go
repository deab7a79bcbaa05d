// Package untrust validates values crossing the allocator's public ABI
// boundary before pkg/abi routes them into the core, per spec.md §4.K:
// "validate only at system boundaries" applied to a caller-supplied size
// or pointer rather than to a byte stream.
//
// This replaces the teacher's untrusted-byte-stream Input/Reader pair
// (see DESIGN.md): the shape of "untrusted input" here is a raw size_t or
// uintptr handed across a C ABI, not a length-prefixed wire format, so the
// validators below check arithmetic overflow and directory membership
// instead of parsing a cursor through a byte slice.
package untrust

import (
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xerrors"
)

// Size rejects a requested allocation size that would overflow the
// allocator's address-space budget: position + size must stay within
// arena.AddressSpaceSize. position is normally 0 (a fresh allocation); a
// non-zero position lets realloc/msize validate "would the resized
// object still fit".
func Size(op string, size, position uintptr) error {
	if size > arena.AddressSpaceSize || position > arena.AddressSpaceSize-size {
		return xerrors.New(xerrors.InvalidPointer, op, position+size)
	}
	return nil
}

// Pointer rejects a caller-supplied pointer whose directory entry is the
// zero/forbidden sentinel, i.e. one that was never handed out by this
// allocator (or was, but from an arenaID that has since never been
// installed -- directory.KindForbidden is the zero value, so an
// uninitialized slot and "never installed" are indistinguishable, which is
// exactly the behavior wanted here: reject both).
func Pointer(op string, dir *directory.Directory, addr uintptr) (*directory.Entry, error) {
	e := dir.Lookup(addr)
	if e == nil || e.Kind == directory.KindForbidden {
		return nil, xerrors.New(xerrors.InvalidPointer, op, addr)
	}
	return e, nil
}
