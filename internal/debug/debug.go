//go:build debug

// Package debug includes debugging helpers for the allocator core: asserts
// on internal invariants, and a goroutine-tagged trace log.
//
// None of this is compiled into release builds; callers outside the debug
// tag see the no-op stand-ins in nodbg.go.
package debug

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/timandy/routine"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/xflag"
)

// Enabled is true when the compiler is building with the debug tag, which
// enables invariant checks (used by region/slab/directory code) and the
// trace log below.
const Enabled = true

var (
	debugPattern = xflag.Func("insmalloc.filter", "regexp to filter debug logs by", regexp.Compile)
	nocapture    = flag.Bool("insmalloc.nocapture", false, "disables capturing debug logs as test logs")
)

// Log prints debugging information to stderr, tagged with the calling
// goroutine id so that interleaved cross-thread free/allocation traces can
// be told apart.
//
// context is optional args for `fmt.Printf` that are printed before
// operation, useful for identifying which region/class/owner a line of
// trace belongs to.
func Log(context []any, operation string, format string, args ...any) {
	skip := 1
again:
	pc, file, line, _ := runtime.Caller(skip)

	fn := runtime.FuncForPC(pc)
	name := fn.Name()
	name = name[strings.LastIndex(name, ".")+1:]
	if strings.HasPrefix(name, "log") || strings.Contains(name, "Log") {
		skip++
		goto again
	}

	pkg := fn.Name()
	pkg = strings.TrimPrefix(pkg, "github.com/FlorianLebrun/insmalloc-sub001/")
	pkg = strings.TrimPrefix(pkg, "pkg/")
	if idx := strings.Index(pkg, "."); idx >= 0 {
		pkg = pkg[:idx]
	}

	file = filepath.Base(file)

	buf := new(strings.Builder)

	_, _ = fmt.Fprintf(buf, "%s/%s:%d [g%04d", pkg, file, line, routine.Goid())
	if len(context) >= 1 {
		_, _ = fmt.Fprintf(buf, ", "+context[0].(string), context[1:]...)
	}
	_, _ = fmt.Fprintf(buf, "] %s: ", operation)
	_, _ = fmt.Fprintf(buf, format, args...)

	if *debugPattern != nil &&
		!(*debugPattern).MatchString(buf.String()) {
		return
	}

	t := tls.Get()
	if !*nocapture && t != nil {
		t.Log(buf.String())
		return
	}

	_, _ = buf.Write([]byte{'\n'})
	_, _ = os.Stderr.WriteString(buf.String())
	_ = os.Stderr.Sync()
}

// Assert panics if cond is false. Used to check core invariants (bitmap
// popcounts, free-run length markers, region ownership) that must never
// fail outside of a corrupted heap.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("insmalloc: internal assertion failed: "+format, args...))
	}
}

// Value is a value of any type that only exists when the debug tag is
// enabled. When disabled, this struct is replaced with an empty struct.
type Value[T any] struct {
	x T
}

// Get returns a pointer to this value. Panics if not in debug mode.
func (v *Value[T]) Get() *T { return &v.x }
