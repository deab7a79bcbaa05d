// Package osmem is the thin shim over OS virtual memory primitives that
// pkg/arena reserves and commits its 4 GiB ranges through.
//
// Every exported function here maps to exactly one spec-level operation:
// reserve virtual address space, commit/decommit pages within it, release
// the reservation, and query the current state of an address. Policy (how
// much to reserve, when to decommit) lives in pkg/arena and pkg/region; this
// package only ever does what it is told.
package osmem

import "github.com/FlorianLebrun/insmalloc-sub001/pkg/xerrors"

// ZoneState describes the state of the OS-level mapping covering an address,
// as returned by GetMemoryZoneState.
type ZoneState int

const (
	// ZoneFree means the address is not covered by any reservation this
	// process holds.
	ZoneFree ZoneState = iota
	// ZoneReserved means the address is within a reservation but its page
	// has not been committed.
	ZoneReserved
	// ZoneCommitted means the address is backed by committed, readable and
	// writable memory.
	ZoneCommitted
)

func (z ZoneState) String() string {
	switch z {
	case ZoneFree:
		return "free"
	case ZoneReserved:
		return "reserved"
	case ZoneCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// ErrOOM is returned, wrapped with xerrors.OOMVirtual, whenever the OS
// refuses to reserve, commit, or grow a mapping. There is no recovery from
// this at the osmem layer; the caller (pkg/arena) decides whether to retry
// at a different base or give up.
var ErrOOM = xerrors.Sentinel(xerrors.OOMVirtual)

// ReserveMemory reserves size bytes of address space, aligned to align,
// preferring the range [base, base+limit). On most platforms the OS will
// not honor a specific base; implementations reserve anywhere in range and,
// if the result is misaligned, release it and retry at ceil(addr, align) as
// spec.md requires.
//
// Returns the base address of the reservation. The memory is address-space
// only: no physical pages are committed until CommitMemory is called.
func ReserveMemory(base, limit, size, align uintptr) (uintptr, error) {
	return reserveMemory(base, limit, size, align)
}

// CommitMemory backs [base, base+size) with physical pages, making it
// readable and writable. base and size must fall within a prior
// ReserveMemory call and be page-aligned.
func CommitMemory(base, size uintptr) error {
	return commitMemory(base, size)
}

// DecommitMemory releases the physical pages backing [base, base+size) back
// to the OS while keeping the address space reserved. Subsequent reads will
// fault (or return zeros, depending on platform) until re-committed.
func DecommitMemory(base, size uintptr) error {
	return decommitMemory(base, size)
}

// ReleaseMemory releases both the physical pages and the address-space
// reservation covering [base, base+size). The range may be reused by a
// future ReserveMemory call (on the same or a different base).
func ReleaseMemory(base, size uintptr) error {
	return releaseMemory(base, size)
}

// GetMemoryZoneState reports what this process currently has mapped at
// address. Used by tests that assert on decommit/release behavior.
func GetMemoryZoneState(address uintptr) (ZoneState, error) {
	return getMemoryZoneState(address)
}

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
