// Package abi is spec.md §4.J/§6's public allocation surface: the
// malloc-family functions and the managed (GC-traced) allocation surface,
// realized as ordinary Go functions operating on unsafe.Pointer/uintptr
// rather than the original C ABI. cmd/libinsmalloc wraps these with cgo
// //export shims for callers that need the real C calling convention.
//
// Every exported function here returns nil/false/zero on failure and never
// panics across this boundary: a debug.Assert panic inside the core is a
// bug, not a documented error path (spec.md §7).
package abi

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/central"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/config"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/controller"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/gc"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/large"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/localctx"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/schema"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/slab"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/untrust"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xerrors"
)

// cleanupInterval is how often the controller's background worker runs a
// periodic mark-and-sweep/scavenge pass, absent an Open Question-resolving
// config knob for it (see DESIGN.md).
const cleanupInterval = 100 * time.Millisecond

// runtime is the one-per-process set of live subsystems wired together by
// InitProcess. A nil runtime means InitProcess has not run yet. MallocEx
// (and so Malloc, Calloc, NewManaged and NewUnmanaged), RegisterSchema and
// PatchDefaultAllocator run InitProcess on demand; every other exported
// function returns the zero value (or does nothing) until it has run.
// InitProcess reads config (env/flags) once, on its first call.
type runtime struct {
	opts     *config.Options
	dir      *directory.Directory
	arenaMgr *arena.Manager
	central  *central.Context
	registry *schema.Registry
	gcSess   *gc.Session
	ctrl     *controller.Controller
}

var (
	initOnce sync.Once
	rt       atomic.Pointer[runtime]
)

// InitProcess is spec.md's init_process(): reads configuration once from
// the environment/process flags and wires every subsystem together. Safe
// to call more than once; only the first call has any effect.
func InitProcess() {
	initOnce.Do(func() {
		opts := config.FromEnvironment()

		dir := &directory.Directory{}
		arenaMgr := arena.NewManager(dir)
		if opts.MaxUsablePhysicalBytes != 0 {
			arenaMgr.SetMaxPhysicalBytes(opts.MaxUsablePhysicalBytes)
		}
		cc := central.New(dir)
		reg := schema.NewRegistry(64)
		gcSess := gc.NewSession(dir, arenaMgr, reg)
		ctrl := controller.New(arenaMgr, cc, gcSess)
		gcSess.RegisterTracker(&gc.HardRefRootTracker{ArenaMgr: arenaMgr})
		ctrl.Start(cleanupInterval)

		rt.Store(&runtime{
			opts:     opts,
			dir:      dir,
			arenaMgr: arenaMgr,
			central:  cc,
			registry: reg,
			gcSess:   gcSess,
			ctrl:     ctrl,
		})
	})
}

func current() *runtime { return rt.Load() }

// PatchDefaultAllocator is spec.md's patch_default_allocator(): a hook
// point for an embedder that wants every Go-level allocation (not just
// calls through this package) routed through insmalloc. Go's runtime
// allocator is not pluggable, so unlike the original's libc interposition
// this is a deliberate no-op documented as such (see DESIGN.md): calling it
// simply confirms the process has been initialized, so embedders porting
// call sites from the original API have a 1:1 function to call instead of
// needing to special-case this platform.
func PatchDefaultAllocator() {
	InitProcess()
}

// AttachCurrentThread binds a fresh per-thread allocation context to the
// calling goroutine, per spec.md's attach_current_thread(). Subsequent
// malloc/free calls on this goroutine use the fast, thread-local path;
// without it every call falls back to the shared context (still correct,
// just contended).
func AttachCurrentThread() {
	r := current()
	if r == nil {
		return
	}
	localctx.Bind(r.ctrl.AcquireContext(false))
}

// DetachCurrentThread releases the calling goroutine's context back to the
// controller's recovered pool, per spec.md's detach_current_thread().
func DetachCurrentThread() {
	r := current()
	if r == nil {
		return
	}
	if ctx := localctx.Current(); ctx != nil {
		r.ctrl.ReleaseContext(ctx)
		localctx.Unbind()
	}
}

// localOrShared returns the calling goroutine's bound context if
// AttachCurrentThread was called, otherwise the process-wide shared
// context, so an un-attached caller (e.g. a signal handler or a goroutine
// spawned by a pool the embedder does not control) still gets a working
// allocation path.
func (r *runtime) localOrShared() *localctx.Context {
	if ctx := localctx.Current(); ctx != nil {
		return ctx
	}
	return r.ctrl.AcquireContext(true)
}

func dataToHeader(data unsafe.Pointer) *slab.Header {
	return (*slab.Header)(unsafe.Pointer(uintptr(data) - 8))
}

// Malloc is spec.md's malloc(size): an unmanaged (not GC-traced)
// allocation. Returns nil on failure.
func Malloc(size uintptr) unsafe.Pointer {
	p, err := MallocEx(size, 0, false)
	if err != nil {
		return nil
	}
	return p
}

// MallocEx is malloc_ex: an allocation of size bytes whose header records
// schemaID, GC-traced when managed is true. For a managed object schemaID
// names a pkg/schema.Registry entry so pkg/gc can trace the object's
// outgoing references.
func MallocEx(size uintptr, schemaID uint32, managed bool) (unsafe.Pointer, error) {
	r := current()
	if r == nil {
		InitProcess()
		r = current()
	}
	if err := untrust.Size("malloc", size, 0); err != nil {
		return nil, err
	}

	classIndex, ok := slab.ClassIndexFor(uint32(size))
	if size >= slab.LargeObjectThreshold || !ok {
		_, data, err := large.Allocate(r.arenaMgr, r.dir, size, schemaID, managed, r.ctrl)
		if err != nil {
			exitOnVirtualOOM(err)
			return nil, err
		}
		return data, nil
	}

	ctx := r.localOrShared()
	hdr, data, err := ctx.Allocate(classIndex, managed)
	if err != nil {
		exitOnVirtualOOM(err)
		return nil, err
	}
	*hdr = slab.NewHeader(schemaID)
	return data, nil
}

// Calloc is spec.md's calloc(count, size): an unmanaged allocation of
// count*size bytes, always explicitly zeroed regardless of whether the
// backing pages happen to already be zero (Open Question #2, resolved in
// DESIGN.md: correctness over the original's opportunistic
// fresh-page-is-already-zero shortcut, which this Go port has no reliable
// way to detect since a recycled region's pages are never independently
// re-verified as zero).
func Calloc(count, size uintptr) unsafe.Pointer {
	total := count * size
	p := Malloc(total)
	if p == nil {
		return nil
	}
	buf := unsafe.Slice((*byte)(p), total)
	for i := range buf {
		buf[i] = 0
	}
	return p
}

// Realloc is spec.md's realloc(ptr, size). ptr == nil behaves as Malloc;
// size == 0 behaves as Free and returns nil. A pointer the directory does
// not recognize is handed to config.Options.UnknownPointerFallback if one
// is configured, otherwise rejected.
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return Malloc(size)
	}
	if size == 0 {
		Free(ptr)
		return nil
	}

	r := current()
	if r == nil {
		return nil
	}
	addr := uintptr(ptr)
	entry, err := untrust.Pointer("realloc", r.dir, addr)
	if err != nil {
		if fb := r.opts.UnknownPointerFallback; fb != nil {
			if np, ok := fb("realloc", addr, size); ok {
				return unsafe.Pointer(np)
			}
		}
		return nil
	}

	if entry.Managed {
		// a managed object's identity must stay stable for every
		// outstanding hard/weak reference; resizing it in place is not
		// supported, mirroring Free's refusal to touch managed pointers.
		return nil
	}

	oldSize := msizeAt(entry, addr)
	schemaID := uint32(0)
	if hdr := headerFor(entry, addr); hdr != nil {
		schemaID = hdr.SchemaID()
	}

	np, allocErr := MallocEx(size, schemaID, false)
	if allocErr != nil {
		return nil
	}
	n := oldSize
	if size < n {
		n = size
	}
	copy(unsafe.Slice((*byte)(np), n), unsafe.Slice((*byte)(ptr), n))
	Free(ptr)
	return np
}

// Free is spec.md's free(ptr): free(nil) is a documented no-op (Open
// Question #3). Freeing a pointer the directory does not recognize logs
// and is otherwise a no-op (spec.md §7's propagation policy), unless
// config.Options.UnknownPointerFallback claims it.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	r := current()
	if r == nil {
		return
	}
	addr := uintptr(ptr)
	entry, err := untrust.Pointer("free", r.dir, addr)
	if err != nil {
		if fb := r.opts.UnknownPointerFallback; fb != nil {
			if _, ok := fb("free", addr, 0); ok {
				return
			}
		}
		debug.Log(nil, "free", "unknown pointer 0x%x, ignored", addr)
		return
	}

	if entry.Managed {
		// a managed object's lifetime is governed by retain/release plus
		// pkg/gc's mark-and-sweep, never by an explicit free; ignore it
		// rather than pull a reachable object out from under the tracer.
		debug.Log(nil, "free", "ignored: 0x%x belongs to a managed allocation", addr)
		return
	}

	switch entry.Kind {
	case directory.KindObjectRegion:
		freeSlabPointer(r, entry, addr)
	case directory.KindLargeObjectSegment:
		freeLargeSegment(r, entry, addr)
	}
}

func freeSlabPointer(r *runtime, entry *directory.Entry, addr uintptr) {
	d := (*arena.Descriptor)(entry.Descriptor)
	index := directory.RegionIndex(addr, entry)
	obj := d.Object(index)
	if obj == nil {
		debug.Log(nil, "free", "region %d has no live object record", index)
		return
	}
	reg := (*slab.Region)(obj)
	slotIndex := reg.Class.SlotIndex(reg.Base, addr)

	classIndex, owner := reg.OwnerBox()
	ctx := r.localOrShared()
	if owner == ctx {
		ctx.ReleaseLocal(classIndex, entry.Managed, reg, slotIndex)
		return
	}
	if reg.ReleaseSlotCrossThread(slotIndex) {
		if owner != nil {
			owner.NotifyCrossThreadFree(classIndex, reg)
		}
	}
}

// largeSegmentHead resolves addr (anywhere within a large-object segment's
// data, not necessarily its first region) back to the index of the run's
// head region, where the Header and the *large.Segment object record
// actually live. A segment whose size exceeds large.RegionSize-large.DataOffset
// spans more than one region, so addr-large.DataOffset alone only lands on
// the true base when addr falls within the head region itself.
func largeSegmentHead(entry *directory.Entry, addr uintptr) (*arena.Descriptor, uint32) {
	d := (*arena.Descriptor)(entry.Descriptor)
	index := directory.RegionIndex(addr, entry)
	return d, d.RunHead(index)
}

func freeLargeSegment(r *runtime, entry *directory.Entry, addr uintptr) {
	d, head := largeSegmentHead(entry, addr)
	obj := d.Object(head)
	if obj == nil {
		debug.Log(nil, "free", "large segment %d has no live object record", head)
		return
	}
	seg := (*large.Segment)(obj)
	if err := large.Release(r.arenaMgr, seg); err != nil {
		debug.Log(nil, "free", "releasing large segment: %v", err)
	}
}

// Msize is spec.md's msize(ptr): returns the usable size of the allocation
// at ptr, or 0 if ptr is not recognized.
func Msize(ptr unsafe.Pointer) uintptr {
	r := current()
	if r == nil || ptr == nil {
		return 0
	}
	addr := uintptr(ptr)
	entry, err := untrust.Pointer("msize", r.dir, addr)
	if err != nil {
		if fb := r.opts.UnknownPointerFallback; fb != nil {
			if n, ok := fb("msize", addr, 0); ok {
				return n
			}
		}
		return 0
	}
	return msizeAt(entry, addr)
}

func msizeAt(entry *directory.Entry, addr uintptr) uintptr {
	switch entry.Kind {
	case directory.KindObjectRegion:
		d := (*arena.Descriptor)(entry.Descriptor)
		index := directory.RegionIndex(addr, entry)
		obj := d.Object(index)
		if obj == nil {
			return 0
		}
		return uintptr((*slab.Region)(obj).Class.ObjectSize)
	case directory.KindLargeObjectSegment:
		d, head := largeSegmentHead(entry, addr)
		return large.HeaderAt(d.RegionBase(head)).Size
	default:
		return 0
	}
}

func headerFor(entry *directory.Entry, addr uintptr) *slab.Header {
	switch entry.Kind {
	case directory.KindObjectRegion:
		return dataToHeader(unsafe.Pointer(addr))
	case directory.KindLargeObjectSegment:
		return nil
	default:
		return nil
	}
}

// FlushCache is spec.md's flush_cache(): runs the central context's
// Scavenge now instead of at the controller's next periodic pass, folding
// regions owned by the central context that have pending cross-thread
// frees back into its usable/disposable lists. It does not scavenge any
// per-thread context and decommits nothing itself; the controller's next
// pass releases the central context's disposable regions.
func FlushCache() {
	r := current()
	if r == nil {
		return
	}
	r.central.Scavenge()
}

// AddressInfo is get_address_infos(ptr)'s result: everything the boundary
// can report about an address without the caller needing to reach into
// the core packages itself.
type AddressInfo struct {
	Valid      bool
	Managed    bool
	Large      bool
	SchemaID   uint32
	Size       uintptr
	HardRefs   uint32
	WeakRefs   uint32
}

// GetAddressInfos is spec.md's get_address_infos(ptr).
func GetAddressInfos(ptr unsafe.Pointer) AddressInfo {
	r := current()
	if r == nil || ptr == nil {
		return AddressInfo{}
	}
	addr := uintptr(ptr)
	entry, err := untrust.Pointer("get_address_infos", r.dir, addr)
	if err != nil {
		return AddressInfo{}
	}

	switch entry.Kind {
	case directory.KindObjectRegion:
		hdr := dataToHeader(ptr)
		return AddressInfo{
			Valid:    true,
			Managed:  entry.Managed,
			SchemaID: hdr.SchemaID(),
			Size:     msizeAt(entry, addr),
			HardRefs: hdr.HardRefs(),
			WeakRefs: hdr.WeakRefs(),
		}
	case directory.KindLargeObjectSegment:
		d, head := largeSegmentHead(entry, addr)
		h := large.HeaderAt(d.RegionBase(head))
		return AddressInfo{
			Valid:    true,
			Managed:  entry.Managed,
			Large:    true,
			SchemaID: h.SchemaID,
			Size:     h.Size,
		}
	default:
		return AddressInfo{}
	}
}

// NewUnmanaged is spec.md's new_unmanaged(size): equivalent to Malloc but
// named to mirror NewManaged for call sites that want the distinction
// explicit in their own code.
func NewUnmanaged(size uintptr) unsafe.Pointer {
	return Malloc(size)
}

// NewManaged is spec.md's new_managed(schemaID, size): a GC-traced
// allocation. schemaID must already be registered with the process's
// schema.Registry (see RegisterSchema) for pkg/gc to find its traverser;
// an unregistered schema id is still accepted (schema id 0's "opaque blob"
// treatment applies to any id the registry does not recognize).
func NewManaged(schemaID uint32, size uintptr) unsafe.Pointer {
	p, err := MallocEx(size, schemaID, true)
	if err != nil {
		return nil
	}
	return p
}

// RegisterSchema installs info under schemaID in the process's schema
// registry, for NewManaged callers and pkg/gc's traversal.
func RegisterSchema(schemaID uint32, info schema.Info) {
	InitProcess()
	current().registry.Register(schemaID, info)
}

// Retain is spec.md's retain(ptr): increments the hard-reference count of
// a managed object. Unmanaged/large pointers are not reference counted and
// this is a no-op for them.
func Retain(ptr unsafe.Pointer) {
	addHardRefs(ptr, 1)
}

// Release is spec.md's release(ptr): decrements the hard-reference count.
// Reaching zero does not free the object immediately (unlike Go's normal
// malloc/free pairing) -- it only removes it from
// gc.HardRefRootTracker's root set; an unreachable cycle still needs
// pkg/gc's next mark-and-sweep pass to be reclaimed, and an object kept
// alive only by another managed object's outgoing pointer is reclaimed the
// same way.
func Release(ptr unsafe.Pointer) {
	addHardRefs(ptr, -1)
}

func addHardRefs(ptr unsafe.Pointer, delta int32) {
	if ptr == nil {
		return
	}
	r := current()
	if r == nil {
		return
	}
	entry, err := untrust.Pointer("retain", r.dir, uintptr(ptr))
	if err != nil || !entry.Managed || entry.Kind != directory.KindObjectRegion {
		return
	}
	hdr := dataToHeader(ptr)
	for {
		old := *hdr
		updated, _ := old.AddHardRefs(delta)
		if atomicCompareAndSwapHeader(hdr, old, updated) {
			return
		}
	}
}

func addWeakRefs(ptr unsafe.Pointer, delta int32) {
	if ptr == nil {
		return
	}
	hdr := dataToHeader(ptr)
	for {
		old := *hdr
		updated, _ := old.AddWeakRefs(delta)
		if atomicCompareAndSwapHeader(hdr, old, updated) {
			return
		}
	}
}

// RetainWeak is spec.md's retain_weak(ptr): increments the weak-reference
// count, which never keeps an object's memory alive by itself but lets a
// weak handle detect (via GetAddressInfos) whether the object has since
// been collected.
func RetainWeak(ptr unsafe.Pointer) {
	addWeakRefs(ptr, 1)
}

// ReleaseWeak is spec.md's release_weak(ptr).
func ReleaseWeak(ptr unsafe.Pointer) {
	addWeakRefs(ptr, -1)
}

// NewHardRef is spec.md's new_hard_ref(ptr): allocates ptr (must already
// point at a managed object's data) an additional hard reference and
// returns the same pointer, mirroring the original's "returns the ref'd
// pointer" convenience so callers can write p = NewHardRef(p) at a storage
// site.
func NewHardRef(ptr unsafe.Pointer) unsafe.Pointer {
	Retain(ptr)
	return ptr
}

// NewWeakRef is spec.md's new_weak_ref(ptr).
func NewWeakRef(ptr unsafe.Pointer) unsafe.Pointer {
	RetainWeak(ptr)
	return ptr
}

// Shutdown stops the background controller; exposed mainly for tests that
// construct their own process-lifetime runtime and want a clean exit
// without leaking its goroutine. Not part of the original spec's surface.
func Shutdown() {
	if r := current(); r != nil {
		r.ctrl.Stop()
	}
}

// exitOnVirtualOOM implements spec.md §7's "virtual-address exhaustion logs
// and calls os.Exit(1): there is no meaningful recovery". Every error
// return in this package from an allocation path passes through this
// before being handed to the caller.
func exitOnVirtualOOM(err error) {
	if errors.Is(err, xerrors.Sentinel(xerrors.OOMVirtual)) {
		debug.Log(nil, "oom", "virtual address space exhausted: %v", err)
		os.Exit(1)
	}
}

// atomicCompareAndSwapHeader CASes *hdr from old to new, used by
// Retain/Release/RetainWeak/ReleaseWeak since a slot's header can be
// touched by a concurrent cross-thread free draining the same word's used
// bit (ReleaseSlotLocal/DrainCrossThreadFreed operate on the region's
// UsedBitmap, a separate word, but a future flag bit sharing this word
// would not be safe without this already being a CAS).
func atomicCompareAndSwapHeader(hdr *slab.Header, old, new_ slab.Header) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(hdr)), uint64(old), uint64(new_))
}
