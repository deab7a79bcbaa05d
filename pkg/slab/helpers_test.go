package slab_test

import (
	"unsafe"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
)

func uintptrOfPtr(p *byte) uintptr { return uintptr(unsafe.Pointer(p)) }

func testHandle() region.Handle { return region.Handle{ArenaID: 1, Index: 0} }
