//go:build unix

package large_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/large"
)

func TestAllocateLarge(t *testing.T) {
	Convey("Given a fresh arena manager", t, func() {
		dir := &directory.Directory{}
		mgr := arena.NewManager(dir)

		Convey("allocating a large object returns a writable span of the requested size", func() {
			const size = 1 << 20 // 1 MiB, spans two 32 MiB... no, under one region
			seg, data, err := large.Allocate(mgr, dir, size, 42, false, nil)
			So(err, ShouldBeNil)
			So(seg.RegionSpan, ShouldEqual, uint32(1))

			buf := unsafe.Slice((*byte)(data), size)
			buf[0] = 0xAB
			buf[size-1] = 0xCD
			So(buf[0], ShouldEqual, byte(0xAB))

			hdr := large.HeaderAt(seg.Descriptor.RegionBase(seg.Index))
			So(hdr.SchemaID, ShouldEqual, uint32(42))
			So(hdr.Size, ShouldEqual, uintptr(size))
		})

		Convey("an allocation larger than one region spans multiple regions", func() {
			seg, _, err := large.Allocate(mgr, dir, large.RegionSize+1, 0, false, nil)
			So(err, ShouldBeNil)
			So(seg.RegionSpan, ShouldEqual, uint32(2))
		})

		Convey("an interior pointer of a multi-region span resolves back to the run's head region", func() {
			seg, _, err := large.Allocate(mgr, dir, large.RegionSize+4096, 7, false, nil)
			So(err, ShouldBeNil)
			So(seg.RegionSpan, ShouldEqual, uint32(2))

			interiorAddr := seg.Descriptor.RegionBase(seg.Index + 1)
			interiorIndex := directory.RegionIndex(interiorAddr, dir.Lookup(interiorAddr))
			So(seg.Descriptor.RunHead(interiorIndex), ShouldEqual, seg.Index)

			hdr := large.HeaderAt(seg.Descriptor.RegionBase(seg.Index))
			So(hdr.SchemaID, ShouldEqual, uint32(7))
		})

		Convey("Release returns the span to the free pool for reuse", func() {
			seg, _, err := large.Allocate(mgr, dir, 4096, 0, false, nil)
			So(err, ShouldBeNil)
			So(large.Release(mgr, seg), ShouldBeNil)

			seg2, _, err := large.Allocate(mgr, dir, 4096, 0, false, nil)
			So(err, ShouldBeNil)
			So(seg2.Index, ShouldEqual, seg.Index)
		})
	})
}
