package schema_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/schema"
)

func TestRegistry(t *testing.T) {
	Convey("Given a fresh Registry", t, func() {
		r := schema.NewRegistry(4)

		Convey("an unregistered id is not found", func() {
			_, ok := r.Get(42)
			So(ok, ShouldBeFalse)
		})

		Convey("Register then Get round-trips the Info", func() {
			visited := 0
			info := schema.Info{
				BaseSize: 24,
				Traverse: func(v schema.Visitor, base unsafe.Pointer) { visited++ },
			}
			r.Register(42, info)

			got, ok := r.Get(42)
			So(ok, ShouldBeTrue)
			So(got.BaseSize, ShouldEqual, uint32(24))

			got.Traverse(nil, nil)
			So(visited, ShouldEqual, 1)
		})

		Convey("registering past the load factor triggers a rehash that preserves entries", func() {
			for i := uint32(0); i < 200; i++ {
				r.Register(i, schema.Info{BaseSize: i})
			}
			So(r.Count(), ShouldEqual, 200)

			for i := uint32(0); i < 200; i++ {
				got, ok := r.Get(i)
				So(ok, ShouldBeTrue)
				So(got.BaseSize, ShouldEqual, i)
			}
		})
	})
}
