// Package large is the large-object allocator: spec.md §4.G's path for
// allocations at or above slab.LargeObjectThreshold, which bypass the
// size-classed slab layer entirely and instead get one or more whole
// regions of their own, carved from a dedicated arena segmentation.
package large

import (
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/slab"
)

// Segmentation is the region size (as log2) dedicated to large-object
// arenas: 32 MiB. This is chosen, not a spec.md-given constant, to sit
// safely above the highest region_size_L2 any slab class ever picks (which
// tops out around 2^22 for classes just under LargeObjectThreshold, see
// pkg/slab.regionSizeLog2For) so a large-object arena never shares a free
// list -- and therefore never risks mixing directory Kinds within one
// arena -- with a slab-class arena of the same segmentation.
const Segmentation = 25

// RegionSize is 1<<Segmentation, the granularity a large allocation is
// rounded up to and carved in multiples of.
const RegionSize = uintptr(1) << Segmentation

// Header is the fixed header every LargeObjectSegment carries at its base.
// raw holds a slab.Header built from the same schema id; pkg/gc reads a
// large object's SchemaID from this Header on its own large-object path.
type Header struct {
	SchemaID   uint32
	Size       uintptr
	RegionSpan uint32
	raw        slab.Header
}

// Segment is the live record of one large-object allocation: which arena
// descriptor and region run it occupies, and its header.
type Segment struct {
	Descriptor *arena.Descriptor
	Index      uint32
	RegionSpan uint32
	Managed    bool
}

// DataOffset is how far past a segment's base the caller-visible bytes
// start, past the Header.
const DataOffset = unsafe.Sizeof(Header{})

// Allocate rounds size up to a whole number of RegionSize regions,
// carves them as one contiguous run from a dedicated large-object arena,
// installs a Header at the run's base, and tags every covered directory
// entry with directory.KindLargeObjectSegment (spec.md §4.G).
func Allocate(mgr *arena.Manager, dir *directory.Directory, size uintptr, schemaID uint32, managed bool, consumer arena.Consumer) (*Segment, unsafe.Pointer, error) {
	total := DataOffset + size
	span := uint32((total + RegionSize - 1) / RegionSize)
	if span == 0 {
		span = 1
	}

	d, index, err := mgr.AllocateRegionRun(Segmentation, span, total, managed, directory.KindLargeObjectSegment, region.RawBuffer, consumer)
	if err != nil {
		return nil, nil, err
	}

	base := d.RegionBase(index)
	hdr := (*Header)(unsafe.Pointer(base))
	*hdr = Header{SchemaID: schemaID, Size: size, RegionSpan: span, raw: slab.NewHeader(schemaID)}

	seg := &Segment{Descriptor: d, Index: index, RegionSpan: span, Managed: managed}
	d.SetObject(index, unsafe.Pointer(seg))
	data := unsafe.Pointer(base + uintptr(DataOffset))
	return seg, data, nil
}

// HeaderAt returns the Header for a large-object segment based at base.
func HeaderAt(base uintptr) *Header { return (*Header)(unsafe.Pointer(base)) }

// Release decommits and returns a large-object segment's region run to the
// free pool.
func Release(mgr *arena.Manager, seg *Segment) error {
	return mgr.ReleaseRegionRun(seg.Descriptor, seg.Index, seg.RegionSpan)
}
