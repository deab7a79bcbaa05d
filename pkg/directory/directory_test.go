package directory_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
)

func TestDirectory(t *testing.T) {
	Convey("Given a fresh directory", t, func() {
		var d directory.Directory

		Convey("an uninstalled arenaID looks up as forbidden", func() {
			So(d.Lookup(1<<32), ShouldBeNil)
		})

		Convey("installing an entry publishes it for lookup by the same arenaID", func() {
			e := &directory.Entry{Segmentation: 20, Kind: directory.KindObjectRegion}
			d.Install(1, e)

			addr := uintptr(1)<<32 | 0x1234
			got := d.Lookup(addr)
			So(got, ShouldEqual, e)
			So(got.Kind, ShouldEqual, directory.KindObjectRegion)
		})

		Convey("RegionIndex shifts the low 32 bits by the entry's segmentation", func() {
			e := &directory.Entry{Segmentation: 16}
			addr := uintptr(0x0003_0000)
			So(directory.RegionIndex(addr, e), ShouldEqual, 3)
		})

		Convey("Decode splits arenaID and position", func() {
			p := directory.Decode(uintptr(7)<<32 | 0xABCD)
			So(p.ArenaID, ShouldEqual, uint16(7))
			So(p.Position, ShouldEqual, uint32(0xABCD))
		})
	})
}
