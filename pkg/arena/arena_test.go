//go:build unix

package arena_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/region"
)

func TestManagerAllocateRegion(t *testing.T) {
	Convey("Given a fresh Manager", t, func() {
		var dir directory.Directory
		m := arena.NewManager(&dir)
		sizing := region.Sizing{Retention: 8, CommittedPages: 1}

		Convey("allocating a region reserves an arena and carves a region from it", func() {
			d, index, err := m.AllocateRegion(16, sizing, false, region.LayoutID(3), nil)
			So(err, ShouldBeNil)
			So(d, ShouldNotBeNil)
			So(d.Regions[index], ShouldEqual, region.LayoutID(3))
			So(m.CommittedPhysicalBytes(), ShouldBeGreaterThan, 0)
		})

		Convey("a second allocation from the same segmentation reuses the arena", func() {
			d1, i1, err := m.AllocateRegion(16, sizing, false, region.LayoutID(1), nil)
			So(err, ShouldBeNil)

			d2, i2, err := m.AllocateRegion(16, sizing, false, region.LayoutID(1), nil)
			So(err, ShouldBeNil)
			So(d2.ArenaID, ShouldEqual, d1.ArenaID)
			So(i2, ShouldNotEqual, i1)
		})

		Convey("releasing a region coalesces it back into the free run", func() {
			d, index, err := m.AllocateRegion(16, sizing, false, region.LayoutID(2), nil)
			So(err, ShouldBeNil)
			before := d.AvailablesCount

			So(m.ReleaseRegion(d, index), ShouldBeNil)
			So(d.AvailablesCount, ShouldEqual, before+1)
			So(d.Regions[index], ShouldEqual, region.Free)
		})
	})
}

func TestManagerPhysicalBudget(t *testing.T) {
	Convey("Given a Manager with a tiny physical budget and no rescuer", t, func() {
		var dir directory.Directory
		m := arena.NewManager(&dir)
		m.SetMaxPhysicalBytes(1)
		sizing := region.Sizing{Retention: 8, CommittedPages: 1}

		Convey("AllocateRegion fails with OOM-physical instead of blocking forever", func() {
			_, _, err := m.AllocateRegion(16, sizing, false, region.LayoutID(1), nil)
			So(err, ShouldNotBeNil)
		})
	})
}
