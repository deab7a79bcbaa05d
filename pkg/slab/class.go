// Package slab is the object-region layer: fixed-size object classes
// carved out of regions, with bitmap-based slot lifecycle and the
// lock-free cross-thread free protocol.
package slab

import "github.com/FlorianLebrun/insmalloc-sub001/pkg/region"

// Class is one object size class's layout table entry: everything needed
// to go from a region base and a slot index to an address, and back.
//
// There are 46 of these (see Classes); every slot of a class is
// permanently located at base + HeadOffset + i*Multiplier.
type Class struct {
	Index            int
	ObjectSize       uint32
	RegionSizeL2     uint8
	SizingID         int
	ObjectCount      uint32
	ObjectHeadOffset uint32
	ObjectMultiplier uint32
}

// SlotAddress returns the address of slot i within a region based at base.
func (c *Class) SlotAddress(base uintptr, i uint32) uintptr {
	return base + uintptr(c.ObjectHeadOffset) + uintptr(i)*uintptr(c.ObjectMultiplier)
}

// SlotIndex inverts SlotAddress: given an address known to fall within a
// region based at base, returns the slot it belongs to. This stands in for
// spec.md's "precomputed offset → object_index divider": a plain integer
// division, since Go does not need the reciprocal-multiplication trick the
// original used to dodge a hardware division instruction.
func (c *Class) SlotIndex(base, addr uintptr) uint32 {
	return uint32((addr - base - uintptr(c.ObjectHeadOffset)) / uintptr(c.ObjectMultiplier))
}

// Classes is the size-class table, built at init time to cover object
// sizes from 16 bytes up to the large-object threshold in a geometric
// progression where each size is the previous one plus a quarter of it
// (at least 8 bytes), yielding 46 classes (16 up to 455460 bytes) -- a
// measured default (see DESIGN.md), not a port of the original C++
// constants.
var Classes = buildClasses()

// LargeObjectThreshold is the smallest size that bypasses the slab layer
// entirely and goes to pkg/large, per spec.md §4.G ("typically > ~½ MiB").
const LargeObjectThreshold = 1 << 19

// ClassIndexFor returns the smallest class able to hold size bytes of
// caller-visible data, for pkg/abi's malloc to turn a byte count into a
// classIndex. ok is false once size reaches LargeObjectThreshold: the
// caller belongs to pkg/large instead.
func ClassIndexFor(size uint32) (classIndex int, ok bool) {
	for i := range Classes {
		if Classes[i].ObjectSize >= size {
			return i, true
		}
	}
	return 0, false
}

func buildClasses() []Class {
	var sizes []uint32
	for size := uint32(16); size < LargeObjectThreshold; {
		sizes = append(sizes, size)
		step := size / 4
		if step < 8 {
			step = 8
		}
		size += step
	}

	classes := make([]Class, len(sizes))
	for i, size := range sizes {
		const headerSize = 8 // slab.Header, one word
		slot := size + headerSize

		regionSizeL2 := regionSizeLog2For(slot)
		regionSize := uint32(1) << regionSizeL2
		headOffset := uint32(64) // fixed-size ObjectRegion header reserves the first cache line
		count := (regionSize - headOffset) / slot
		if count > 64 {
			count = 64 // used_bitmap is 64 bits wide, per spec.md
		}

		classes[i] = Class{
			Index:            i,
			ObjectSize:       size,
			RegionSizeL2:     regionSizeL2,
			SizingID:         sizingIDFor(size),
			ObjectCount:      count,
			ObjectHeadOffset: headOffset,
			ObjectMultiplier: slot,
		}
	}
	return classes
}

// regionSizeLog2For picks the smallest region size (as region_size_L2) able
// to host at least a handful of slots of the given size, capped at 64
// because used_bitmap is a single 64-bit word.
func regionSizeLog2For(slotSize uint32) uint8 {
	for l2 := uint8(16); l2 <= 32; l2++ {
		regionSize := uint32(1) << l2
		if regionSize/slotSize >= 8 || l2 == 32 {
			return l2
		}
	}
	return 32
}

func sizingIDFor(size uint32) int {
	switch {
	case size <= 128:
		return 0
	case size <= 1024:
		return 1
	case size <= 1<<14:
		return 2
	case size <= 1<<17:
		return 3
	default:
		return 4
	}
}

// Sizing returns the region.Sizing policy for a class's SizingID.
func (c *Class) Sizing() region.Sizing {
	return region.DefaultSizings[c.SizingID]
}
