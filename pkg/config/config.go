// Package config is the allocator's tunable-options surface, read once at
// process startup by pkg/abi's init_process: max_usable_physical_bytes,
// enable_time_stamp, enable_stack_stamp, security_padding_size.
//
// Each option is sourced from an environment variable by default, or from
// a process flag registered through the teacher's internal/xflag.Func
// sugar -- the same helper the teacher used to expose a debug-only log
// filter as a flag, here generalized to the allocator's own tunables.
package config

import (
	"os"
	"strconv"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/xflag"
)

// Options holds the resolved tunables for one process.
type Options struct {
	// MaxUsablePhysicalBytes bounds how much physical memory the arena
	// manager will commit before asking its Consumer to rescue a starved
	// caller. Zero means unbounded.
	MaxUsablePhysicalBytes uintptr

	// EnableTimeStamp is resolved and stored here, off by default; nothing
	// reads it, and internal/debug's log lines carry no timestamp.
	EnableTimeStamp bool

	// EnableStackStamp is resolved and stored here, off by default; nothing
	// reads it, and no allocation path captures a caller stack.
	EnableStackStamp bool

	// SecurityPaddingSize is resolved and stored here, 0 by default; nothing
	// reads it, so no guard bytes are added after an allocation or checked
	// on free/realloc.
	SecurityPaddingSize uintptr

	// UnknownPointerFallback, if set, is consulted by pkg/abi's realloc/
	// free/msize when a caller hands in a pointer the directory does not
	// recognize -- e.g. one obtained from the platform's original malloc
	// before patch_default_allocator took over.
	UnknownPointerFallback func(op string, ptr uintptr, size uintptr) (uintptr, bool)
}

var (
	flagMaxUsablePhysicalBytes = xflag.Func("insmalloc.max_usable_physical_bytes", "cap on committed physical memory (bytes), 0 for unbounded", parseUintptr)
	flagEnableTimeStamp        = xflag.Func("insmalloc.enable_time_stamp", "timestamp debug log lines", strconv.ParseBool)
	flagEnableStackStamp       = xflag.Func("insmalloc.enable_stack_stamp", "capture allocation call stacks (expensive)", strconv.ParseBool)
	flagSecurityPaddingSize    = xflag.Func("insmalloc.security_padding_size", "guard bytes appended after every allocation", parseUintptr)
)

func parseUintptr(s string) (uintptr, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return uintptr(n), err
}

// FromEnvironment resolves Options from process flags (if parsed) falling
// back to environment variables, falling back to hardwired defaults.
// init_process calls this exactly once.
func FromEnvironment() *Options {
	return &Options{
		MaxUsablePhysicalBytes: uintOption("insmalloc.max_usable_physical_bytes", "INSMALLOC_MAX_USABLE_PHYSICAL_BYTES", flagMaxUsablePhysicalBytes, 0),
		EnableTimeStamp:        boolOption("insmalloc.enable_time_stamp", "INSMALLOC_ENABLE_TIME_STAMP", flagEnableTimeStamp, false),
		EnableStackStamp:       boolOption("insmalloc.enable_stack_stamp", "INSMALLOC_ENABLE_STACK_STAMP", flagEnableStackStamp, false),
		SecurityPaddingSize:    uintOption("insmalloc.security_padding_size", "INSMALLOC_SECURITY_PADDING_SIZE", flagSecurityPaddingSize, 0),
	}
}

func uintOption(flagName, envName string, flagValue *uintptr, fallback uintptr) uintptr {
	if xflag.Parsed(flagName) {
		return *flagValue
	}
	if v, ok := os.LookupEnv(envName); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return uintptr(n)
		}
	}
	return fallback
}

func boolOption(flagName, envName string, flagValue *bool, fallback bool) bool {
	if xflag.Parsed(flagName) {
		return *flagValue
	}
	if v, ok := os.LookupEnv(envName); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
