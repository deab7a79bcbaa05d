//go:build windows

package osmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func reserveMemory(base, limit, size, align uintptr) (uintptr, error) {
	pageSize := uintptr(4096)
	size = roundUp(size, pageSize)

	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return 0, ErrOOM
	}

	if aligned := roundUp(addr, align); aligned != addr {
		// VirtualFree/VirtualAlloc round-trip at the aligned address, as
		// spec.md requires for a misaligned reservation.
		_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		addr, err = windows.VirtualAlloc(aligned, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err != nil {
			return 0, ErrOOM
		}
	}

	if base != 0 && (addr < base || addr+size > base+limit) {
		_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return 0, ErrOOM
	}

	return addr, nil
}

func commitMemory(base, size uintptr) error {
	if _, err := windows.VirtualAlloc(base, size, windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		return ErrOOM
	}
	return nil
}

func decommitMemory(base, size uintptr) error {
	if err := windows.VirtualFree(base, size, windows.MEM_DECOMMIT); err != nil {
		return ErrOOM
	}
	return nil
}

func releaseMemory(base, size uintptr) error {
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		return ErrOOM
	}
	return nil
}

func getMemoryZoneState(address uintptr) (ZoneState, error) {
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(address, &info, unsafe.Sizeof(info)); err != nil {
		return ZoneFree, err
	}
	switch info.State {
	case windows.MEM_COMMIT:
		return ZoneCommitted, nil
	case windows.MEM_RESERVE:
		return ZoneReserved, nil
	default:
		return ZoneFree, nil
	}
}
