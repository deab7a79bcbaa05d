package config_test

import (
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/config"
)

func TestFromEnvironmentFallsBackToDefaults(t *testing.T) {
	Convey("Given no flags parsed and no env vars set", t, func() {
		os.Unsetenv("INSMALLOC_MAX_USABLE_PHYSICAL_BYTES")
		os.Unsetenv("INSMALLOC_ENABLE_TIME_STAMP")

		opts := config.FromEnvironment()

		Convey("every tunable falls back to its hardwired default", func() {
			So(opts.MaxUsablePhysicalBytes, ShouldEqual, uintptr(0))
			So(opts.EnableTimeStamp, ShouldBeFalse)
			So(opts.EnableStackStamp, ShouldBeFalse)
			So(opts.SecurityPaddingSize, ShouldEqual, uintptr(0))
		})
	})

	Convey("Given an environment variable override", t, func() {
		os.Setenv("INSMALLOC_MAX_USABLE_PHYSICAL_BYTES", "1048576")
		defer os.Unsetenv("INSMALLOC_MAX_USABLE_PHYSICAL_BYTES")

		opts := config.FromEnvironment()

		Convey("it takes precedence over the default", func() {
			So(opts.MaxUsablePhysicalBytes, ShouldEqual, uintptr(1048576))
		})
	})
}
