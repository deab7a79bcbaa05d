// Package controller is the allocator's background worker: spec.md §4.I's
// periodic mark-and-sweep trigger, recovered-context recycling, and the
// starvation protocol that pkg/arena's physical-memory budget calls into
// when a caller would otherwise OOM.
package controller

import (
	"sync"
	"time"

	"github.com/FlorianLebrun/insmalloc-sub001/internal/debug"
	"github.com/FlorianLebrun/insmalloc-sub001/internal/xsync"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/central"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/gc"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/localctx"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/slab"
)

// defaultMaxUsablePerClass bounds how many spare usable regions a
// recovered context keeps per class before the excess is handed back to
// the central context, mirroring localctx.Context.Scavenge's parameter.
const defaultMaxUsablePerClass = 4

// StarvedConsumerToken is one caller's wait for the background worker to
// make room: arena.Manager.commitWithBudget blocks on it when the physical
// budget is exhausted, per spec.md's RescueStarvingSituation.
type StarvedConsumerToken struct {
	neededBytes uintptr

	mu       sync.Mutex
	cond     *sync.Cond
	resolved bool
	rescued  bool
}

// Controller is the process-wide background worker: one per process,
// created during init_process and wired as every arena.Manager's Consumer.
type Controller struct {
	arenaMgr *arena.Manager
	central  *central.Context
	gcSess   *gc.Session

	mu        sync.Mutex
	shared    *localctx.Context
	recovered xsync.Pool[localctx.Context]

	starveMu sync.Mutex
	starved  []*StarvedConsumerToken

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

var _ arena.Consumer = (*Controller)(nil)

// New creates a Controller. Call Start to launch its background loop.
func New(arenaMgr *arena.Manager, central *central.Context, gcSess *gc.Session) *Controller {
	c := &Controller{
		arenaMgr: arenaMgr,
		central:  central,
		gcSess:   gcSess,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	// recovered.New only fires once Get() finds the pool empty, i.e. once
	// every previously detached thread's context is already checked out --
	// the same "grow on demand" policy the plain-slice version had.
	c.recovered.New = func() *localctx.Context {
		return localctx.New(c.central, c.arenaMgr, c)
	}
	return c
}

// Start launches the background loop, running a periodic cleanup pass
// every interval and an immediate one whenever a caller starves.
func (c *Controller) Start(interval time.Duration) {
	c.wg.Add(1)
	go c.loop(interval)
}

// Stop halts the background loop and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Controller) loop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
			c.handleStarved()
		case <-ticker.C:
			c.periodicCleanup()
		}
	}
}

func (c *Controller) periodicCleanup() {
	c.central.Scavenge()
	released := c.releaseDisposables()
	slots, segs := c.gcSess.RunOnce()
	debug.Log(nil, "controller cleanup", "released %d regions, reclaimed %d slots, %d large segments", released, slots, segs)
}

func (c *Controller) handleStarved() {
	c.starveMu.Lock()
	tokens := c.starved
	c.starved = nil
	c.starveMu.Unlock()

	if len(tokens) == 0 {
		return
	}

	c.central.Scavenge()
	released := c.releaseDisposables()
	slots, segs := c.gcSess.RunOnce()
	rescued := released > 0 || slots > 0 || segs > 0

	for _, tok := range tokens {
		tok.mu.Lock()
		tok.resolved = true
		tok.rescued = rescued
		tok.mu.Unlock()
		tok.cond.Signal()
	}
}

// releaseDisposables drains every class's (both managed and unmanaged)
// scavenged-empty disposables list and hands each region back to
// arena.Manager.ReleaseRegion, decommitting its pages and returning it to
// the arena's free list. Without this, Scavenge's empty regions would sit
// in central.DisposablesFor forever and ordinary slab memory would never
// be returned to the OS, unlike the large-object path (pkg/large.Release).
func (c *Controller) releaseDisposables() int {
	released := 0
	for _, managed := range [2]bool{false, true} {
		for classIndex := range slab.Classes {
			for _, r := range c.central.DisposablesFor(classIndex, managed) {
				d := c.arenaMgr.Descriptor(r.Handle.ArenaID)
				if d == nil {
					continue
				}
				if err := c.arenaMgr.ReleaseRegion(d, r.Handle.Index); err != nil {
					debug.Log(nil, "controller cleanup", "releasing region %+v: %v", r.Handle, err)
					continue
				}
				released++
			}
		}
	}
	return released
}

// RescueStarvingSituation implements arena.Consumer: it registers a
// StarvedConsumerToken, nudges the background loop to run immediately, and
// blocks on the token's condvar until the loop has attempted to free
// neededBytes worth of room. Returns whether the caller should retry.
func (c *Controller) RescueStarvingSituation(neededBytes uintptr) bool {
	tok := &StarvedConsumerToken{neededBytes: neededBytes}
	tok.cond = sync.NewCond(&tok.mu)

	c.starveMu.Lock()
	c.starved = append(c.starved, tok)
	c.starveMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	tok.mu.Lock()
	for !tok.resolved {
		tok.cond.Wait()
	}
	rescued := tok.rescued
	tok.mu.Unlock()
	return rescued
}

// AcquireContext returns a per-thread allocation context: a recovered one
// from a previously detached thread if available, otherwise a freshly
// wired one. shared=true instead returns the single process-wide context
// used by callers not bound to any particular OS thread (e.g. a signal
// handler or an embedder callback running off any pool goroutine).
func (c *Controller) AcquireContext(shared bool) *localctx.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if shared {
		if c.shared == nil {
			c.shared = localctx.New(c.central, c.arenaMgr, c)
		}
		return c.shared
	}

	return c.recovered.Get()
}

// ReleaseContext returns ctx (detached from its owning thread) to the
// recovered pool after scavenging its excess usable regions back to the
// central context, per spec.md's "drain recovered contexts".
func (c *Controller) ReleaseContext(ctx *localctx.Context) {
	if ctx == c.shared {
		return // the shared context is never recycled away
	}
	ctx.Scavenge(defaultMaxUsablePerClass)
	c.recovered.Put(ctx)
}
