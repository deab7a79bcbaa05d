//go:build cgo

// Command libinsmalloc is spec.md §6's "compatible with malloc-family
// override" requirement realized: a cgo //export shim around pkg/abi, built
// with `go build -buildmode=c-shared` (or -buildmode=c-archive) into
// libinsmalloc.so/.dll, so a C/C++ process can LD_PRELOAD or link against
// it in place of its platform malloc.
//
// This file only translates calling convention (C types <-> Go types); all
// behavior lives in pkg/abi.
package main

/*
#include <stddef.h>
*/
import "C"

import (
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/abi"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/schema"
)

func main() {}

//export insmalloc_init_process
func insmalloc_init_process() {
	abi.InitProcess()
}

//export insmalloc_patch_default_allocator
func insmalloc_patch_default_allocator() {
	abi.PatchDefaultAllocator()
}

//export insmalloc_attach_current_thread
func insmalloc_attach_current_thread() {
	abi.AttachCurrentThread()
}

//export insmalloc_detach_current_thread
func insmalloc_detach_current_thread() {
	abi.DetachCurrentThread()
}

//export insmalloc_malloc
func insmalloc_malloc(size C.size_t) unsafe.Pointer {
	return abi.Malloc(uintptr(size))
}

//export insmalloc_malloc_ex
func insmalloc_malloc_ex(size C.size_t, schemaID C.uint32_t, managed C.int) unsafe.Pointer {
	p, err := abi.MallocEx(uintptr(size), uint32(schemaID), managed != 0)
	if err != nil {
		return nil
	}
	return p
}

//export insmalloc_calloc
func insmalloc_calloc(count, size C.size_t) unsafe.Pointer {
	return abi.Calloc(uintptr(count), uintptr(size))
}

//export insmalloc_realloc
func insmalloc_realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	return abi.Realloc(ptr, uintptr(size))
}

//export insmalloc_free
func insmalloc_free(ptr unsafe.Pointer) {
	abi.Free(ptr)
}

//export insmalloc_msize
func insmalloc_msize(ptr unsafe.Pointer) C.size_t {
	return C.size_t(abi.Msize(ptr))
}

//export insmalloc_flush_cache
func insmalloc_flush_cache() {
	abi.FlushCache()
}

// addressInfo mirrors abi.AddressInfo with C-friendly field types, for
// insmalloc_get_address_infos's out-parameter.
type addressInfo struct {
	valid    C.int
	managed  C.int
	large    C.int
	schemaID C.uint32_t
	size     C.size_t
	hardRefs C.uint32_t
	weakRefs C.uint32_t
}

//export insmalloc_get_address_infos
func insmalloc_get_address_infos(ptr unsafe.Pointer, out *addressInfo) {
	if out == nil {
		return
	}
	info := abi.GetAddressInfos(ptr)
	*out = addressInfo{
		valid:    boolToC(info.Valid),
		managed:  boolToC(info.Managed),
		large:    boolToC(info.Large),
		schemaID: C.uint32_t(info.SchemaID),
		size:     C.size_t(info.Size),
		hardRefs: C.uint32_t(info.HardRefs),
		weakRefs: C.uint32_t(info.WeakRefs),
	}
}

//export insmalloc_new_managed
func insmalloc_new_managed(schemaID C.uint32_t, size C.size_t) unsafe.Pointer {
	return abi.NewManaged(uint32(schemaID), uintptr(size))
}

//export insmalloc_new_unmanaged
func insmalloc_new_unmanaged(size C.size_t) unsafe.Pointer {
	return abi.NewUnmanaged(uintptr(size))
}

//export insmalloc_retain
func insmalloc_retain(ptr unsafe.Pointer) {
	abi.Retain(ptr)
}

//export insmalloc_release
func insmalloc_release(ptr unsafe.Pointer) {
	abi.Release(ptr)
}

//export insmalloc_retain_weak
func insmalloc_retain_weak(ptr unsafe.Pointer) {
	abi.RetainWeak(ptr)
}

//export insmalloc_release_weak
func insmalloc_release_weak(ptr unsafe.Pointer) {
	abi.ReleaseWeak(ptr)
}

//export insmalloc_new_hard_ref
func insmalloc_new_hard_ref(ptr unsafe.Pointer) unsafe.Pointer {
	return abi.NewHardRef(ptr)
}

//export insmalloc_new_weak_ref
func insmalloc_new_weak_ref(ptr unsafe.Pointer) unsafe.Pointer {
	return abi.NewWeakRef(ptr)
}

// insmalloc_register_schema has no traverser parameter: a schema whose
// outgoing references a C caller wants traced must be registered from Go
// (a C function pointer cannot satisfy schema.Traverser's
// unsafe.Pointer-to-Go-value contract safely), so this registers an
// untyped schema -- BaseSize only, opaque to the tracer, matching schema
// id 0's treatment.
//
//export insmalloc_register_schema
func insmalloc_register_schema(schemaID C.uint32_t, baseSize C.size_t) {
	abi.RegisterSchema(uint32(schemaID), schema.Info{BaseSize: uint32(baseSize)})
}

func boolToC(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
