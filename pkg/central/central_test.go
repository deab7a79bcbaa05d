package central_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/central"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/slab"
)

func backedRegion(classIndex int) *slab.Region {
	class := &slab.Classes[classIndex]
	buf := make([]byte, 1<<class.RegionSizeL2)
	return &slab.Region{Base: uintptr(unsafe.Pointer(&buf[0])), Class: class}
}

func TestAcquireBatchAndReceiveDisposables(t *testing.T) {
	Convey("Given an empty central context", t, func() {
		dir := &directory.Directory{}
		c := central.New(dir)

		Convey("AcquireBatch on an empty class returns nothing", func() {
			batch := c.AcquireBatch(0, false, 4)
			So(batch, ShouldBeEmpty)
		})

		Convey("ReceiveDisposables then AcquireBatch round-trips usable regions", func() {
			r1 := backedRegion(0)
			r1.AcquireSlot()
			r2 := backedRegion(0)
			r2.AcquireSlot()

			c.ReceiveDisposables(0, false, []*slab.Region{r1, r2})

			batch := c.AcquireBatch(0, false, 10)
			So(batch, ShouldHaveLength, 2)
		})

		Convey("a fully empty region is retained in the sizing cache for instant reuse", func() {
			r := backedRegion(0)
			c.ReceiveDisposables(0, false, []*slab.Region{r})

			// the sizing cache short-circuits resolution through the
			// directory, so an unresolvable cached Handle (this test never
			// installs r into dir) is skipped rather than handed back.
			So(c.AcquireBatch(0, false, 10), ShouldBeEmpty)
			So(c.DisposablesFor(0, false), ShouldBeEmpty)
		})

		Convey("once the sizing cache is full, further empty regions fall back to disposables", func() {
			sizing := slab.Classes[0].Sizing()
			regions := make([]*slab.Region, sizing.Retention+1)
			for i := range regions {
				regions[i] = backedRegion(0)
			}
			c.ReceiveDisposables(0, false, regions)

			So(c.DisposablesFor(0, false), ShouldHaveLength, 1)
		})

		Convey("managed and unmanaged halves are independent", func() {
			r := backedRegion(0)
			r.AcquireSlot()
			c.ReceiveDisposables(0, true, []*slab.Region{r})

			So(c.AcquireBatch(0, false, 10), ShouldBeEmpty)
			So(c.AcquireBatch(0, true, 10), ShouldHaveLength, 1)
		})
	})
}

func TestScavengeDrainsNotifiedRegions(t *testing.T) {
	Convey("Given a region owned by the central context with a pending cross-thread free", t, func() {
		dir := &directory.Directory{}
		c := central.New(dir)
		r := backedRegion(0)
		idx, _, _ := r.AcquireSlot()
		r.SetOwner(0, c)

		r.ReleaseSlotCrossThread(idx)
		c.NotifyCrossThreadFree(0, r)

		Convey("Scavenge drains it into disposables since it becomes empty", func() {
			n := c.Scavenge()
			So(n, ShouldEqual, 1)
			So(c.DisposablesFor(0, false), ShouldHaveLength, 1)
		})
	})
}
