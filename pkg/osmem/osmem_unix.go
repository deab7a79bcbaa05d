//go:build unix

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func reserveMemory(base, limit, size, align uintptr) (uintptr, error) {
	size = roundUp(size, uintptr(unix.Getpagesize()))

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, ErrOOM
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))

	if aligned := roundUp(addr, align); aligned != addr {
		// Misaligned: release and retry at the rounded-up address, as
		// spec.md requires. mmap on Linux/BSD ignores a requested address
		// hint unless MAP_FIXED is set, so the retry below asks for exactly
		// the aligned range via MAP_FIXED; if the kernel can't give us that
		// range back, the caller sees ErrOOM and tries a different arena.
		_ = unix.Munmap(mem)
		fixed, _, errno := unix.Syscall6(unix.SYS_MMAP, aligned, size,
			unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_FIXED, ^uintptr(0), 0)
		if errno != 0 {
			return 0, ErrOOM
		}
		addr = fixed
	}

	if base != 0 && (addr < base || addr+size > base+limit) {
		_ = releaseMemory(addr, size)
		return 0, ErrOOM
	}

	return addr, nil
}

func commitMemory(base, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return ErrOOM
	}
	return nil
}

func decommitMemory(base, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
	// MADV_DONTNEED drops the physical pages but keeps the mapping (and its
	// protection) reserved, matching spec.md's decommit-keeps-reservation
	// semantics; mirrors the storj jobqueue's use of unix.Madvise to release
	// pages without unmapping.
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return ErrOOM
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func releaseMemory(base, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
	if err := unix.Munmap(b); err != nil {
		return ErrOOM
	}
	return nil
}

func getMemoryZoneState(address uintptr) (ZoneState, error) {
	page := address &^ uintptr(unix.Getpagesize()-1)
	b := unsafe.Slice((*byte)(unsafe.Pointer(page)), unix.Getpagesize())
	var stats [1]byte
	if err := unix.Mincore(b, stats[:]); err != nil {
		if err == unix.ENOMEM {
			return ZoneFree, nil
		}
		return ZoneFree, err
	}
	if stats[0]&1 != 0 {
		return ZoneCommitted, nil
	}
	return ZoneReserved, nil
}
