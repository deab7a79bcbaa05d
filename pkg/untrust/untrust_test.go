package untrust_test

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/directory"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/untrust"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/xerrors"
)

func TestSize(t *testing.T) {
	Convey("A size within budget at position 0 is accepted", t, func() {
		So(untrust.Size("malloc", 4096, 0), ShouldBeNil)
	})

	Convey("A size exceeding the address-space budget is rejected", t, func() {
		err := untrust.Size("malloc", arena.AddressSpaceSize+1, 0)
		So(errors.Is(err, xerrors.Sentinel(xerrors.InvalidPointer)), ShouldBeTrue)
	})

	Convey("position+size overflowing the budget is rejected even if size alone fits", t, func() {
		err := untrust.Size("realloc", 4096, arena.AddressSpaceSize-1)
		So(errors.Is(err, xerrors.Sentinel(xerrors.InvalidPointer)), ShouldBeTrue)
	})
}

func TestPointer(t *testing.T) {
	Convey("Given a directory with one installed arena", t, func() {
		dir := &directory.Directory{}
		dir.Install(1, &directory.Entry{Kind: directory.KindObjectRegion})

		Convey("an address in the installed arena resolves its entry", func() {
			e, err := untrust.Pointer("free", dir, uintptr(1)<<32)
			So(err, ShouldBeNil)
			So(e.Kind, ShouldEqual, directory.KindObjectRegion)
		})

		Convey("an address in a never-installed arena is rejected", func() {
			_, err := untrust.Pointer("free", dir, uintptr(2)<<32)
			So(errors.Is(err, xerrors.Sentinel(xerrors.InvalidPointer)), ShouldBeTrue)
		})
	})
}
