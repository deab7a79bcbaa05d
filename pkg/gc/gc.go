// Package gc implements spec.md §4.H's mark-and-sweep session for managed
// allocations: a cooperative collector that walks live objects reachable
// from externally registered roots, using pkg/schema's traverser registry
// to find outgoing references, and reclaims every managed slot it never
// marked.
//
// Marking never recurses: a pointer discovered during traversal is pushed
// onto a lock-free work stack (internal/xsync.StampedStack, a
// generation-stamped Treiber stack like pkg/slab's notified stack, which
// packs its own head word) and drained iteratively, so an arbitrarily deep object graph
// never grows the Go call stack.
package gc

import (
	"sync"
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/internal/xsync"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/large"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/schema"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/slab"
)

// IObjectReferenceTracker supplies a mark session's root set: anything
// holding a managed pointer outside the heap itself (a language-level
// global, a stack scan, an embedder's handle table) registers one of
// these, and EnumerateRoots is called once per RunOnce with a mark
// callback.
type IObjectReferenceTracker interface {
	EnumerateRoots(mark func(addr uintptr))
}

// Session is one mark-and-sweep cycle's state: which regions hold which
// live slots (regionAlivenessMap), and the pending-traversal work stack.
type Session struct {
	dir      *directory.Directory
	arenaMgr *arena.Manager
	registry *schema.Registry
	trackers []IObjectReferenceTracker

	aliveMu sync.Mutex
	alive   map[region.Handle]uint64 // regionAlivenessMap: bit i set means slot i is live this cycle
	large   map[region.Handle]bool   // single-segment equivalent for pkg/large objects

	itemsMu sync.Mutex
	items   []uintptr // regionItemsMap equivalent: work item storage, index 0 unused
	next    []uint32
	work    xsync.StampedStack
}

// NewSession creates a mark-and-sweep session wired to the shared
// directory, arena manager and schema registry.
func NewSession(dir *directory.Directory, arenaMgr *arena.Manager, registry *schema.Registry) *Session {
	return &Session{
		dir:      dir,
		arenaMgr: arenaMgr,
		registry: registry,
		alive:    make(map[region.Handle]uint64),
		large:    make(map[region.Handle]bool),
		items:    []uintptr{0},
		next:     []uint32{0},
	}
}

// RegisterTracker adds a root provider consulted on every RunOnce.
func (s *Session) RegisterTracker(t IObjectReferenceTracker) {
	s.trackers = append(s.trackers, t)
}

// MarkAlive is the write barrier's entry point (spec.md's MarkPtr) and the
// root-enumeration entry point: records addr's slot as live this cycle and,
// the first time addr is seen, postpones a traversal of its outgoing
// references.
func (s *Session) MarkAlive(addr uintptr) {
	if addr == 0 {
		return
	}
	handle, bit, isLarge, ok := s.resolve(addr)
	if !ok {
		return
	}
	s.aliveMu.Lock()
	var firstMark bool
	if isLarge {
		firstMark = !s.large[handle]
		s.large[handle] = true
	} else {
		mask := s.alive[handle]
		firstMark = mask&bit == 0
		s.alive[handle] = mask | bit
	}
	s.aliveMu.Unlock()

	if firstMark {
		s.Postpone(addr)
	}
}

// MarkPtr is the write barrier: called whenever a managed field is written
// with a non-nil pointer, so objects reachable only through a mutation made
// after marking started are not swept out from under the mutator.
func (s *Session) MarkPtr(addr uintptr) { s.MarkAlive(addr) }

// Postpone pushes addr onto the pending-traversal work stack without
// touching the aliveness bitmap, for callers that have already established
// addr is live (MarkAlive uses this internally; a traverser may also call
// it directly when it already knows a reference is new).
func (s *Session) Postpone(addr uintptr) {
	idx := s.reserveItem(addr)
	s.work.Push(idx, func(i, n uint32) {
		s.itemsMu.Lock()
		s.next[i] = n
		s.itemsMu.Unlock()
	})
}

func (s *Session) reserveItem(addr uintptr) uint32 {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()
	s.items = append(s.items, addr)
	s.next = append(s.next, 0)
	return uint32(len(s.items) - 1)
}

func (s *Session) itemAt(idx uint32) uintptr {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()
	return s.items[idx]
}

func (s *Session) nextOf(idx uint32) uint32 {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()
	return s.next[idx]
}

// resolve maps an absolute address to its owning region's handle and slot
// bit, or (zero, false) if addr does not fall within a managed region this
// session tracks.
func (s *Session) resolve(addr uintptr) (handle region.Handle, bit uint64, isLarge bool, ok bool) {
	e := s.dir.Lookup(addr)
	if e == nil || !e.Managed {
		return region.Handle{}, 0, false, false
	}
	switch e.Kind {
	case directory.KindObjectRegion:
		d := (*arena.Descriptor)(e.Descriptor)
		index := directory.RegionIndex(addr, e)
		obj := d.Object(index)
		if obj == nil {
			return region.Handle{}, 0, false, false
		}
		r := (*slab.Region)(obj)
		slotIdx := r.Class.SlotIndex(r.Base, addr)
		return region.Handle{ArenaID: d.ArenaID, Index: index}, uint64(1) << slotIdx, false, true
	case directory.KindLargeObjectSegment:
		d := (*arena.Descriptor)(e.Descriptor)
		index := directory.RegionIndex(addr, e)
		head := d.RunHead(index)
		return region.Handle{ArenaID: d.ArenaID, Index: head}, 0, true, true
	default:
		return region.Handle{}, 0, false, false
	}
}

// RunOnce performs one full mark-and-sweep cycle: reset aliveness, mark
// from every registered tracker's roots, drain the work stack (a traverser
// discovering a new reference re-enters MarkAlive, which may push more
// work), then sweep every managed region.
func (s *Session) RunOnce() (reclaimedSlots int, reclaimedLargeSegments int) {
	s.aliveMu.Lock()
	s.alive = make(map[region.Handle]uint64)
	s.large = make(map[region.Handle]bool)
	s.aliveMu.Unlock()

	for _, t := range s.trackers {
		t.EnumerateRoots(s.MarkAlive)
	}

	for {
		idx := s.work.DrainAll()
		if idx == 0 {
			break
		}
		for idx != 0 {
			addr := s.itemAt(idx)
			s.traverse(addr)
			idx = s.nextOf(idx)
		}
	}

	return s.sweep()
}

func (s *Session) traverse(addr uintptr) {
	e := s.dir.Lookup(addr)
	if e == nil {
		return
	}
	var schemaID uint32
	switch e.Kind {
	case directory.KindObjectRegion:
		hdr := (*slab.Header)(unsafe.Pointer(addr - 8))
		schemaID = hdr.SchemaID()
	case directory.KindLargeObjectSegment:
		d := (*arena.Descriptor)(e.Descriptor)
		index := directory.RegionIndex(addr, e)
		base := d.RegionBase(d.RunHead(index))
		hdr := large.HeaderAt(base)
		schemaID = hdr.SchemaID
		addr = base + uintptr(large.DataOffset)
	default:
		return
	}

	info, ok := s.registry.Get(schemaID)
	if !ok || info.Traverse == nil {
		return
	}
	info.Traverse(&visitContext{session: s, base: addr}, unsafe.Pointer(addr))
}

// sweep walks every managed region via the arena manager and clears any
// slot/segment this cycle never marked.
func (s *Session) sweep() (reclaimedSlots int, reclaimedLargeSegments int) {
	s.arenaMgr.WalkManagedRegions(func(d *arena.Descriptor, index uint32, tag region.LayoutID) {
		handle := region.Handle{ArenaID: d.ArenaID, Index: index}
		switch {
		case tag.IsObjectClass():
			obj := d.Object(index)
			if obj == nil {
				return
			}
			r := (*slab.Region)(obj)
			s.aliveMu.Lock()
			mask := s.alive[handle]
			s.aliveMu.Unlock()
			dead := r.SweepUnmarked(mask)
			reclaimedSlots += popcount64(dead)
		case tag == region.RawBuffer:
			obj := d.Object(index)
			if obj == nil {
				return // continuation region of a multi-region segment
			}
			seg := (*large.Segment)(obj)
			s.aliveMu.Lock()
			marked := s.large[handle]
			s.aliveMu.Unlock()
			if !marked {
				if err := large.Release(s.arenaMgr, seg); err != nil {
					debug.Log(nil, "gc sweep", "large release failed: %v", err)
					return
				}
				reclaimedLargeSegments++
			}
		}
	})
	return reclaimedSlots, reclaimedLargeSegments
}

func popcount64(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// visitContext implements schema.Visitor for one object's traversal: base
// is the absolute address of the object being walked, so VisitPtr's
// offset-relative callback can recover an absolute address to mark.
type visitContext struct {
	session *Session
	base    uintptr
}

func (v *visitContext) VisitPtr(offset uintptr) {
	ptrAddr := v.base + offset
	target := *(*uintptr)(unsafe.Pointer(ptrAddr))
	v.session.MarkAlive(target)
}

// HardRefRootTracker is the default IObjectReferenceTracker: it treats
// every managed slot with a non-zero hard-reference count as a root. This
// is what lets the allocator mix reference counting (pkg/abi's retain/
// release, cheap and immediate) with mark-and-sweep (this package, the
// only way to collect a reference cycle): retain/release alone reclaims
// everything acyclic, and RunOnce only needs to look for garbage among
// what retain/release could never reach in the first place -- objects
// still reachable only through a hard ref held by another managed object,
// possibly in a cycle.
type HardRefRootTracker struct {
	ArenaMgr *arena.Manager
}

func (t *HardRefRootTracker) EnumerateRoots(mark func(addr uintptr)) {
	t.ArenaMgr.WalkManagedRegions(func(d *arena.Descriptor, index uint32, tag region.LayoutID) {
		if !tag.IsObjectClass() {
			return
		}
		obj := d.Object(index)
		if obj == nil {
			return
		}
		r := (*slab.Region)(obj)
		for i := uint32(0); i < r.Class.ObjectCount; i++ {
			if r.UsedBitmap&(uint64(1)<<i) == 0 {
				continue
			}
			addr := r.Class.SlotAddress(r.Base, i)
			hdr := (*slab.Header)(unsafe.Pointer(addr))
			if hdr.HardRefs() > 0 {
				mark(addr + 8)
			}
		}
	})
}
