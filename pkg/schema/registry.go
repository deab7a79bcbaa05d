// Package schema is the schema_id → {base_size, traverser} registry that
// pkg/gc's mark-and-sweep session consults to walk a managed object's
// outgoing references.
//
// The registry is an open-addressing hash map specialized to uint32 schema
// ids, adapted from the teacher's generic pkg/arena/swiss.Map[K,V] (see
// DESIGN.md): same group-probing structure and pkg/dolthub/maphash hasher,
// but with its own portable (non-SIMD) group-matching primitives, since the
// teacher's matching internals were not present to port. Schema
// registration happens at process startup and is rare; this map is not a
// hot path, so a scalar match loop is the right tradeoff.
package schema

import (
	"unsafe"

	"github.com/dolthub/maphash"

	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena"
	"github.com/FlorianLebrun/insmalloc-sub001/pkg/arena/slice"
)

// Visitor is implemented by pkg/gc's mark session. A Traverser calls
// VisitPtr once per outgoing reference it finds in an object.
type Visitor interface {
	VisitPtr(offset uintptr)
}

// Traverser walks the outgoing references of an object of some schema,
// starting at base (the object's first data byte, past its header).
// Traversers must not allocate; nothing checks this at run time.
type Traverser func(v Visitor, base unsafe.Pointer)

// Info is what a schema id resolves to: how large its instances are, and
// how to find their outgoing references. BaseSize is stored as registered;
// pkg/gc does not read it, and an object with no traverser is marked but
// not walked.
type Info struct {
	BaseSize uint32
	Traverse Traverser
}

const (
	groupSize       = 8
	maxAvgGroupLoad = 7
)

type metadata [groupSize]int8

type group struct {
	keys   [groupSize]uint32
	values [groupSize]Info
}

const (
	h1Mask    uint64 = 0xffff_ffff_ffff_ff80
	h2Mask    uint64 = 0x0000_0000_0000_007f
	empty     int8   = -128
	tombstone int8   = -2
)

type h1 uint64
type h2 int8

// Registry maps schema ids to Info. The zero value is not ready to use;
// construct one with NewRegistry.
type Registry struct {
	arena    *arena.Arena
	ctrl     slice.Slice[metadata]
	groups   slice.Slice[group]
	hash     maphash.Hasher[uint32]
	resident uint32
	dead     uint32
	limit    uint32
}

// NewRegistry constructs a Registry sized to hold at least sz schemas
// without rehashing.
func NewRegistry(sz uint32) *Registry {
	a := &arena.Arena{}
	groups := numGroups(sz)

	m := arena.New(a, Registry{
		arena:  a,
		ctrl:   slice.Make[metadata](a, int(groups)),
		groups: slice.Make[group](a, int(groups)),
		hash:   maphash.NewHasher[uint32](),
		limit:  groups * maxAvgGroupLoad,
	})
	for i := 0; i < m.ctrl.Len(); i++ {
		m.ctrl.Store(i, newEmptyMetadata())
	}
	return m
}

// Get returns the Info registered for id, if any.
func (m *Registry) Get(id uint32) (Info, bool) {
	hi, lo := splitHash(m.hash.Hash(id))
	g := probeStart(hi, m.groups.Len())
	for {
		matches := metaMatchH2(m.ctrl.Get(int(g)), lo)
		for matches != 0 {
			s := nextMatch(&matches)
			if id == m.groups.Get(int(g)).keys[s] {
				return m.groups.Get(int(g)).values[s], true
			}
		}
		if metaMatchEmpty(m.ctrl.Get(int(g))) != 0 {
			return Info{}, false
		}
		g++
		if g >= uint32(m.groups.Len()) {
			g = 0
		}
	}
}

// Register installs info under id, overwriting any previous registration.
func (m *Registry) Register(id uint32, info Info) {
	if m.resident >= m.limit {
		m.rehash(m.nextSize())
	}
	hi, lo := splitHash(m.hash.Hash(id))
	g := probeStart(hi, m.groups.Len())
	for {
		matches := metaMatchH2(m.ctrl.Get(int(g)), lo)
		for matches != 0 {
			s := nextMatch(&matches)
			if id == m.groups.Get(int(g)).keys[s] {
				m.groups.Get(int(g)).values[s] = info
				return
			}
		}
		matches = metaMatchEmpty(m.ctrl.Get(int(g)))
		if matches != 0 {
			s := nextMatch(&matches)
			m.groups.Get(int(g)).keys[s] = id
			m.groups.Get(int(g)).values[s] = info
			m.ctrl.Get(int(g))[s] = int8(lo)
			m.resident++
			return
		}
		g++
		if g >= uint32(m.groups.Len()) {
			g = 0
		}
	}
}

// Count returns the number of schemas currently registered.
func (m *Registry) Count() int { return int(m.resident - m.dead) }

func (m *Registry) nextSize() (n uint32) {
	n = uint32(m.groups.Len()) * 2
	if m.dead >= m.resident/2 {
		n = uint32(m.groups.Len())
	}
	return
}

func (m *Registry) rehash(n uint32) {
	groups, ctrl := m.groups, m.ctrl
	m.groups = slice.Make[group](m.arena, int(n))
	m.ctrl = slice.Make[metadata](m.arena, int(n))
	for i := 0; i < m.ctrl.Len(); i++ {
		m.ctrl.Store(i, newEmptyMetadata())
	}
	m.hash = maphash.NewSeed(m.hash)
	m.limit = n * maxAvgGroupLoad
	m.resident, m.dead = 0, 0
	for g := 0; g < ctrl.Len(); g++ {
		for s := range ctrl.Get(int(g)) {
			c := ctrl.Get(g)[s]
			if c == empty || c == tombstone {
				continue
			}
			m.Register(groups.Get(g).keys[s], groups.Get(g).values[s])
		}
	}
}

func numGroups(n uint32) (groups uint32) {
	groups = (n + maxAvgGroupLoad - 1) / maxAvgGroupLoad
	if groups == 0 {
		groups = 1
	}
	return
}

func newEmptyMetadata() (meta metadata) {
	for i := range meta {
		meta[i] = empty
	}
	return
}

func splitHash(h uint64) (h1, h2) {
	return h1((h & h1Mask) >> 7), h2(h & h2Mask)
}

func probeStart(hi h1, groups int) uint32 {
	return fastModN(uint32(hi), uint32(groups))
}

func fastModN(x, n uint32) uint32 {
	return uint32((uint64(x) * uint64(n)) >> 32)
}

// metaMatchH2 returns a bitset with one bit per group slot whose control
// byte equals lo. Scalar loop, not SIMD: the teacher's matching internals
// were not available to port (see DESIGN.md), and this map is not hot.
func metaMatchH2(m *metadata, lo h2) uint8 {
	var bits uint8
	for i, c := range m {
		if c == int8(lo) {
			bits |= 1 << i
		}
	}
	return bits
}

// metaMatchEmpty returns a bitset with one bit per group slot marked empty.
func metaMatchEmpty(m *metadata) uint8 {
	var bits uint8
	for i, c := range m {
		if c == empty {
			bits |= 1 << i
		}
	}
	return bits
}

// nextMatch pops the lowest set bit of *matches and returns its index.
func nextMatch(matches *uint8) uint32 {
	s := uint32(trailingZeros8(*matches))
	*matches &= *matches - 1
	return s
}

func trailingZeros8(x uint8) int {
	if x == 0 {
		return 8
	}
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
