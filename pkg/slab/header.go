package slab

// Header is the one-word header preceding every slab allocation: {schema_id:
// 24, used: 1, weak_refs: 7, hard_refs: 24, flags: 8}, packed low to high.
//
// schema_id == 0 means untyped (no traverser; pkg/gc treats it as an opaque
// byte blob of the class's object size). used is set by NewHeader and
// reported by Used; pkg/abi's msize/get_address_infos do not check it.
type Header uint64

const (
	schemaIDBits  = 24
	usedBits      = 1
	weakRefsBits  = 7
	hardRefsBits  = 24
	flagsBits     = 8
	schemaIDShift = 0
	usedShift     = schemaIDShift + schemaIDBits
	weakRefsShift = usedShift + usedBits
	hardRefsShift = weakRefsShift + weakRefsBits
	flagsShift    = hardRefsShift + hardRefsBits

	schemaIDMask = uint64(1)<<schemaIDBits - 1
	weakRefsMask = uint64(1)<<weakRefsBits - 1
	hardRefsMask = uint64(1)<<hardRefsBits - 1
	flagsMask    = uint64(1)<<flagsBits - 1
)

// NewHeader builds a Header for a newly allocated slot: marked used, one
// hard reference, no weak references, the given schema id, no flags.
func NewHeader(schemaID uint32) Header {
	h := Header(0)
	h = h.withSchemaID(schemaID)
	h = h.setUsed(true)
	h, _ = h.addHardRefs(1)
	return h
}

func (h Header) SchemaID() uint32 { return uint32(uint64(h) & schemaIDMask) }

func (h Header) withSchemaID(id uint32) Header {
	return Header(uint64(h)&^schemaIDMask | uint64(id)&schemaIDMask)
}

func (h Header) Used() bool { return (uint64(h)>>usedShift)&1 != 0 }

func (h Header) setUsed(used bool) Header {
	bit := uint64(0)
	if used {
		bit = 1
	}
	return Header(uint64(h)&^(uint64(1)<<usedShift) | bit<<usedShift)
}

func (h Header) WeakRefs() uint32 { return uint32((uint64(h) >> weakRefsShift) & weakRefsMask) }

func (h Header) HardRefs() uint32 { return uint32((uint64(h) >> hardRefsShift) & hardRefsMask) }

func (h Header) Flags() uint8 { return uint8((uint64(h) >> flagsShift) & flagsMask) }

// addHardRefs adds delta (may be negative, expressed as a subtraction via
// AddHardRefs's caller) to the hard-ref count, returning the new Header and
// the resulting count.
func (h Header) addHardRefs(delta int32) (Header, uint32) {
	n := int32(h.HardRefs()) + delta
	if n < 0 {
		n = 0
	}
	return Header(uint64(h)&^(hardRefsMask<<hardRefsShift) | uint64(uint32(n))<<hardRefsShift), uint32(n)
}

// AddHardRefs adjusts the hard-reference count by delta (pkg/abi's
// retain/release), returning the updated Header and new count.
func (h Header) AddHardRefs(delta int32) (Header, uint32) { return h.addHardRefs(delta) }

// AddWeakRefs adjusts the weak-reference count by delta (pkg/abi's
// retain_weak/release_weak).
func (h Header) AddWeakRefs(delta int32) (Header, uint32) {
	n := int32(h.WeakRefs()) + delta
	if n < 0 {
		n = 0
	}
	return Header(uint64(h)&^(weakRefsMask<<weakRefsShift) | uint64(uint32(n))<<weakRefsShift), uint32(n)
}
