// Package arena owns the address-space side of the allocator: reserving the
// process's single top-level virtual-memory range, carving 4 GiB arenas out
// of it on demand, and first-fit-carving fresh regions from an arena's
// region table.
//
// This is the teacher's Arena.allocChunk bump-pointer logic (see git
// history / DESIGN.md), widened from "chunk of Go-GC'd memory" to "region
// of OS-committed memory": allocChunk grew a slice of reflect-shaped Go
// allocations one power-of-two bucket at a time; Manager grows a single OS
// reservation one region at a time, using pkg/directory's release/acquire
// publication instead of a Go slice index.
package arena

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/osmem"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xerrors"
)

// AddressSpaceSize is the total virtual address space the allocator ever
// reserves, matching spec.md's non-goal bound of "≤2^40 bytes addressable".
// It is reserved once, lazily, with no pages committed.
const AddressSpaceSize = uintptr(1) << 40

// Size is the fixed size of one arena: spec.md's pointer decomposition
// {arenaID: 16 bits, position: 32 bits} means every arena spans exactly
// 2^32 bytes of address space.
const Size = uintptr(1) << 32

// MaxArenas is how many arenas fit in AddressSpaceSize.
const MaxArenas = AddressSpaceSize / Size

// Descriptor is the per-arena record spec.md calls ArenaDescriptor: its
// segmentation (log2 of region size), whether it holds GC-managed objects,
// a scan cursor for first-fit region search, the region layout table, and
// the free-run bookkeeping that the invariant in spec.md §4.C depends on
// (availables_count equals the sum of free-run lengths).
type Descriptor struct {
	ArenaID      uint16
	Base         uintptr
	Segmentation uint8
	Managed      bool
	RegionSize   uintptr
	RegionCount  uint32

	mu sync.Mutex

	// Regions holds one LayoutID per region. For a free run, runMarks holds
	// the run's length at its first and last index (interior entries are
	// 0); for an occupied region it holds the region's offset from the head
	// of the run it was carved in (see carve and RunHead).
	Regions  []region.LayoutID
	runMarks []uint32

	// objects holds, for a region carved as an object-class region, the
	// *slab.Region Go-heap struct tracking its bitmaps -- set by
	// pkg/localctx/pkg/central right after carving, read back by pkg/gc's
	// sweep phase to resolve a region index to its live-slot bookkeeping
	// without pkg/arena needing to import pkg/slab's allocation logic.
	// Stored as unsafe.Pointer, not *slab.Region, to avoid a pkg/arena ->
	// pkg/slab import (pkg/slab already depends on pkg/region, and keeping
	// pkg/arena dependency-free of pkg/slab keeps the OS/address-space
	// layer reusable without the slab layer).
	objects []unsafe.Pointer

	AvailablesCount uint32
	ScanCursor      uint32

	next *Descriptor // intrusive link in Manager's per-segmentation free list
}

// SetObject records the region bookkeeping object (typically a
// *slab.Region) for the region at index.
func (d *Descriptor) SetObject(index uint32, obj unsafe.Pointer) {
	d.mu.Lock()
	if d.objects == nil {
		d.objects = make([]unsafe.Pointer, d.RegionCount)
	}
	d.objects[index] = obj
	d.mu.Unlock()
}

// Object returns the region bookkeeping object previously recorded with
// SetObject, or nil if none was set.
func (d *Descriptor) Object(index uint32) unsafe.Pointer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.objects == nil {
		return nil
	}
	return d.objects[index]
}

// RegionBase returns the address of the region at index.
func (d *Descriptor) RegionBase(index uint32) uintptr {
	return d.Base + uintptr(index)*d.RegionSize
}

func (d *Descriptor) markFreeRun(start, length uint32) {
	for i := start; i < start+length; i++ {
		d.Regions[i] = region.Free
		d.runMarks[i] = 0
	}
	d.runMarks[start] = length
	d.runMarks[start+length-1] = length
}

// findFreeRun scans from d.ScanCursor (a rotating cursor, per spec.md) for a
// free run of at least length regions, wrapping once. Returns its start
// index and ok=false if none is found.
func (d *Descriptor) findFreeRun(length uint32) (uint32, bool) {
	n := d.RegionCount
	if length > n {
		return 0, false
	}
	for tries := uint32(0); tries < n; tries++ {
		i := (d.ScanCursor + tries) % n
		if d.Regions[i] != region.Free {
			continue
		}
		runLen := d.runMarks[i]
		if runLen == 0 {
			continue // interior of a run we haven't reached the head of yet
		}
		if runLen >= length {
			d.ScanCursor = (i + length) % n
			return i, true
		}
	}
	return 0, false
}

// carve splits off the first `length` regions of the free run starting at
// start (of total length runLen), tags them tag, and re-marks whatever
// remains of the run as free.
//
// Each carved region records its offset from start in runMarks, so a
// multi-region run (pkg/large's interior regions) can later find its head
// from any one of its indices via RunHead -- findFreeRun never reads
// runMarks for a non-Free region, so this reuse is safe.
func (d *Descriptor) carve(start, runLen, length uint32, tag region.LayoutID) {
	for i := start; i < start+length; i++ {
		d.Regions[i] = tag
		d.runMarks[i] = i - start
	}
	d.AvailablesCount -= length
	if remaining := runLen - length; remaining > 0 {
		d.markFreeRun(start+length, remaining)
	}
}

// RunHead returns the index of the first region in the contiguous run that
// index belongs to. Only meaningful for an occupied region carved via
// AllocateRegionRun/AllocateRegion: a single-region run's head is itself
// (offset 0); an interior region of a multi-region run (e.g. a pkg/large
// segment spanning more than one RegionSize) reports the head index its
// metadata (the Header, the *large.Segment in objects) actually lives at.
func (d *Descriptor) RunHead(index uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return index - d.runMarks[index]
}

// Consumer is the allocator-level starvation callback (implemented by
// pkg/controller) invoked when the committed-physical-bytes budget is
// exhausted: spec.md's `consumer.RescueStarvingSituation(needed_bytes)`.
type Consumer interface {
	RescueStarvingSituation(neededBytes uintptr) bool
}

// Manager owns every arena, grouped by segmentation, and the single
// top-level address-space reservation they are carved from.
type Manager struct {
	dir *directory.Directory

	mu          sync.Mutex
	reserveBase uintptr // 0 until the first arena is requested
	nextArenaID uint16
	freeLists   [33]*Descriptor // indexed by segmentation (region_size_L2 in [16,32])

	committedPhysicalBytes atomic.Int64
	maxPhysicalBytes       atomic.Int64 // 0 means unbounded; set by pkg/config
}

// NewManager creates a Manager publishing installed arenas into dir.
func NewManager(dir *directory.Directory) *Manager {
	// arenaID 0 is reserved and never installed (region.Handle{} is the
	// zero-value "no region" sentinel; if arenaID 0 were a real arena, its
	// region index 0 would be indistinguishable from that sentinel). An
	// arena's ArenaID is the high 32 bits of its base address, and the
	// reservation is 4 GiB-aligned and non-zero, so no arena gets ID 0;
	// nextArenaID counts 4 GiB slots of the reservation, starting at 1.
	return &Manager{dir: dir, nextArenaID: 1}
}

// Descriptor returns the Descriptor installed at arenaID, or nil if none was
// ever installed there (or the slot holds a different kind of controller),
// for a caller holding a bare region.Handle (e.g. pkg/controller releasing
// a scavenged region) rather than a *Descriptor it carved itself.
func (m *Manager) Descriptor(arenaID uint16) *Descriptor {
	e := m.dir.LookupArena(arenaID)
	if e == nil || e.Descriptor == nil {
		return nil
	}
	return (*Descriptor)(e.Descriptor)
}

// SetMaxPhysicalBytes sets the committed-physical-bytes budget used to
// decide when AllocateRegion must ask the consumer to rescue a starved
// caller. Zero means unbounded.
func (m *Manager) SetMaxPhysicalBytes(n uintptr) { m.maxPhysicalBytes.Store(int64(n)) }

// CommittedPhysicalBytes reports how many bytes are currently committed
// across every arena this Manager owns.
func (m *Manager) CommittedPhysicalBytes() uintptr {
	return uintptr(m.committedPhysicalBytes.Load())
}

func (m *Manager) reserveAddressSpace() (uintptr, error) {
	if m.reserveBase != 0 {
		return m.reserveBase, nil
	}
	base, err := osmem.ReserveMemory(0, 0, AddressSpaceSize, Size)
	if err != nil {
		return 0, err
	}
	m.reserveBase = base
	return base, nil
}

// newArena reserves (address-space only) a fresh arena for segmentation and
// links it into the free list. Caller must hold m.mu.
func (m *Manager) newArena(segmentation uint8, managed bool, kind directory.ControllerKind) (*Descriptor, error) {
	base, err := m.reserveAddressSpace()
	if err != nil {
		return nil, err
	}
	if m.nextArenaID >= MaxArenas {
		return nil, xerrors.Sentinel(xerrors.OOMVirtual)
	}
	arenaBase := base + uintptr(m.nextArenaID)*Size
	m.nextArenaID++
	// pkg/directory resolves an address to its arena by the address's high
	// 32 bits, so the arena is installed under the id its base spells.
	arenaID := uint16(arenaBase >> 32)

	regionSize := uintptr(1) << segmentation
	regionCount := uint32(Size / regionSize)

	d := &Descriptor{
		ArenaID:      arenaID,
		Base:         arenaBase,
		Segmentation: segmentation,
		Managed:      managed,
		RegionSize:   regionSize,
		RegionCount:  regionCount,
		Regions:      make([]region.LayoutID, regionCount),
		runMarks:     make([]uint32, regionCount),
	}
	d.markFreeRun(0, regionCount)
	d.AvailablesCount = regionCount

	m.dir.Install(arenaID, &directory.Entry{
		Segmentation: segmentation,
		Managed:      managed,
		Kind:         kind,
		Descriptor:   unsafe.Pointer(d),
	})

	d.next = m.freeLists[segmentation]
	m.freeLists[segmentation] = d

	debug.Log(nil, "arena reserved", "arenaID=%d base=0x%x segmentation=%d regions=%d",
		arenaID, d.Base, segmentation, regionCount)
	return d, nil
}

// AllocateRegion implements spec.md §4.C steps 2-5 (the retention-cache pop
// of step 1 lives in pkg/region.Cache and is tried by the caller first):
// find a free region across the arenas of this segmentation, reserving a
// new arena if none has room, committing the sizing's head pages, and
// asking consumer to rescue a starved caller if the physical budget is
// exhausted.
func (m *Manager) AllocateRegion(segmentation uint8, sizing region.Sizing, managed bool, tag region.LayoutID, consumer Consumer) (*Descriptor, uint32, error) {
	needed := sizing.CommittedPages * PageSize
	return m.AllocateRegionRun(segmentation, 1, needed, managed, directory.KindObjectRegion, tag, consumer)
}

// AllocateRegionRun carves `length` contiguous regions of segmentation
// from an arena whose Managed flag equals managed, reserving new arenas
// (installed under the given directory kind) as needed, and commits `needed` bytes starting at the run's base
// (pkg/large uses this directly to lay out a multi-region
// LargeObjectSegment as one contiguous, committed span, under
// directory.KindLargeObjectSegment).
func (m *Manager) AllocateRegionRun(segmentation uint8, length uint32, needed uintptr, managed bool, kind directory.ControllerKind, tag region.LayoutID, consumer Consumer) (*Descriptor, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		for d := m.freeLists[segmentation]; d != nil; d = d.next {
			if d.Managed != managed {
				continue
			}
			d.mu.Lock()
			start, ok := d.findFreeRun(length)
			if !ok {
				d.mu.Unlock()
				continue
			}
			runLen := d.runMarks[start]
			d.carve(start, runLen, length, tag)
			d.mu.Unlock()

			if err := m.commitWithBudget(d.RegionBase(start), needed, consumer); err != nil {
				return nil, 0, err
			}
			return d, start, nil
		}

		if _, err := m.newArena(segmentation, managed, kind); err != nil {
			return nil, 0, err
		}
		// loop: the freshly reserved arena is now at the head of the free
		// list and will satisfy the request on the next pass.
	}
}

func (m *Manager) commitWithBudget(base, size uintptr, consumer Consumer) error {
	for {
		max := m.maxPhysicalBytes.Load()
		if max == 0 || m.committedPhysicalBytes.Load()+int64(size) <= max {
			if err := osmem.CommitMemory(base, size); err != nil {
				return err
			}
			m.committedPhysicalBytes.Add(int64(size))
			return nil
		}
		if consumer == nil || !consumer.RescueStarvingSituation(size) {
			return xerrors.Sentinel(xerrors.OOMPhysical)
		}
	}
}

// ReleaseRegion implements the decommit half of spec.md §4.C's
// ReleaseRegion mirror: decommits the region's pages (accounting them back
// out of the physical budget) and coalesces it with adjacent free regions,
// preserving the head/tail length-marker invariant.
func (m *Manager) ReleaseRegion(d *Descriptor, index uint32) error {
	return m.ReleaseRegionRun(d, index, 1)
}

// ReleaseRegionRun decommits the `count` contiguous regions starting at
// index (a pkg/large LargeObjectSegment may span more than one) and
// coalesces the resulting free run with its neighbors.
func (m *Manager) ReleaseRegionRun(d *Descriptor, index uint32, count uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := d.RegionSize * uintptr(count)
	if err := osmem.DecommitMemory(d.RegionBase(index), size); err != nil {
		return err
	}
	m.committedPhysicalBytes.Add(-int64(size))

	start, length := index, count
	if index > 0 && d.Regions[index-1] == region.Free {
		leftLen := d.runMarks[index-1]
		if leftLen == 0 {
			for i := int(index) - 1; i >= 0 && d.Regions[i] == region.Free; i-- {
				if d.runMarks[i] != 0 {
					leftLen = d.runMarks[i]
					start = uint32(i)
					break
				}
			}
		} else {
			start = index - leftLen
		}
		length += leftLen
	}
	if right := start + length; right < d.RegionCount && d.Regions[right] == region.Free {
		rightLen := d.runMarks[right]
		if rightLen == 0 {
			rightLen = 1
		}
		length += rightLen
	}

	d.markFreeRun(start, length)
	m.releaseAvailables(d, count)
	return nil
}

func (m *Manager) releaseAvailables(d *Descriptor, count uint32) {
	d.AvailablesCount += count
}

// PageSize is the page granularity regions are committed in multiples of.
const PageSize = uintptr(4096)

// WalkManagedRegions calls fn for every occupied (non-free) region of every
// Managed arena, across every segmentation. pkg/gc's sweep phase uses this
// to find every region whose bookkeeping object (set via Descriptor.SetObject)
// needs its live-slot bitmap checked against this cycle's mark results.
//
// Descriptors are never unlinked from m.freeLists once created (a full
// descriptor simply fails every findFreeRun call and is skipped), so the
// free lists double as the manager's complete descriptor registry.
func (m *Manager) WalkManagedRegions(fn func(d *Descriptor, index uint32, tag region.LayoutID)) {
	m.mu.Lock()
	descriptors := make([]*Descriptor, 0)
	for seg := range m.freeLists {
		for d := m.freeLists[seg]; d != nil; d = d.next {
			if d.Managed {
				descriptors = append(descriptors, d)
			}
		}
	}
	m.mu.Unlock()

	for _, d := range descriptors {
		d.mu.Lock()
		regions := append([]region.LayoutID(nil), d.Regions...)
		d.mu.Unlock()
		for i, tag := range regions {
			if tag.IsObjectClass() || tag == region.RawBuffer {
				fn(d, uint32(i), tag)
			}
		}
	}
}
