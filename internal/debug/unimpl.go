package debug

import (
	"fmt"
	"runtime"
	"strings"
)

// Unsupported returns an "unimplemented" error for the calling function.
//
// Used by pkg/osmem's per-platform shims when a zone-state query or
// decommit mode has no equivalent on the current GOOS.
func Unsupported() error {
	pc, _, _, _ := runtime.Caller(1)
	return &errUnsupported{pc}
}

// errUnsupported is the error returned by Unsupported.
type errUnsupported struct{ pc uintptr }

func (e *errUnsupported) Error() string {
	name := runtime.FuncForPC(e.pc).Name()
	if name == "" {
		return "insmalloc: unsupported operation"
	}

	slash := strings.LastIndexByte(name, '/')
	name = name[slash+1:]
	return fmt.Sprintf("insmalloc: %s() is not supported", name)
}
