// arena.go - the code-region allocator (CRA)
//
// License: GPLv3 or later

// Package codearena owns one large, executable-writable host memory arena
// (spec.md §4.1), partitioned into fixed sub-regions at init: routines,
// trampolines, far code, a constant pool, and the remaining bulk as the
// "near" hot-path emit region. Each region keeps its own FreeSet.
package codearena

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Region identifies one of the arena's sub-regions.
type Region int

const (
	RegionNear Region = iota
	RegionFar
	RegionRoutines
	RegionTrampolines
	RegionConstPool
	numRegions
)

func (r Region) String() string {
	switch r {
	case RegionNear:
		return "near"
	case RegionFar:
		return "far"
	case RegionRoutines:
		return "routines"
	case RegionTrampolines:
		return "trampolines"
	case RegionConstPool:
		return "constpool"
	default:
		return "unknown"
	}
}

// ErrNoSpace reports that a region's free set is exhausted: the
// translator returns it when Largest finds no free range or an Emitter
// overflows the range it was given.
// The translator responds with exactly one full cache clear and retry
// (spec.md §7).
var ErrNoSpace = errors.New("codearena: no space")

// Sizes configures how the arena is partitioned. CodeSize is the near
// region; the rest are the child sub-arenas spec.md §4.1 names.
type Sizes struct {
	CodeSize        uint32
	RoutinesSize    uint32
	TrampolinesSize uint32
	FarCodeSize     uint32
	ConstPoolSize   uint32
}

// DefaultSizes mirrors typical Dolphin-class JIT arena proportions: a large
// near region, modest routine/trampoline/far pools.
func DefaultSizes() Sizes {
	return Sizes{
		CodeSize:        32 * 1024 * 1024,
		RoutinesSize:    1 * 1024 * 1024,
		TrampolinesSize: 4 * 1024 * 1024,
		FarCodeSize:     8 * 1024 * 1024,
		ConstPoolSize:   1 * 1024 * 1024,
	}
}

func (s Sizes) total() int {
	return int(s.CodeSize + s.RoutinesSize + s.TrampolinesSize + s.FarCodeSize + s.ConstPoolSize)
}

// Arena is one mmap'd RWX-eligible region, sub-divided per Sizes.
type Arena struct {
	mem []byte

	bases   [numRegions]uint32
	ends    [numRegions]uint32
	frees   [numRegions]*FreeSet
	emitAt  [numRegions]uint32
	emitEnd [numRegions]uint32

	mmapped bool
}

// New reserves the arena with RWX permissions and carves the child
// sub-regions out of it, in the order routines, trampolines, far code,
// const pool, with the remaining bulk becoming the near region.
func New(sizes Sizes) (*Arena, error) {
	total := sizes.total()
	mem, err := unix.Mmap(-1, 0, total,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codearena: mmap %d bytes: %w", total, err)
	}
	a := &Arena{mem: mem, mmapped: true}
	a.layout(sizes)
	return a, nil
}

// NewHeap is the non-mmap fallback used by tests and hosts without an
// executable-mapping syscall: it exercises identical free-set bookkeeping
// over a plain Go slice.
func NewHeap(sizes Sizes) *Arena {
	a := &Arena{mem: make([]byte, sizes.total())}
	a.layout(sizes)
	return a
}

func (a *Arena) layout(sizes Sizes) {
	order := []struct {
		region Region
		size   uint32
	}{
		{RegionRoutines, sizes.RoutinesSize},
		{RegionTrampolines, sizes.TrampolinesSize},
		{RegionFar, sizes.FarCodeSize},
		{RegionConstPool, sizes.ConstPoolSize},
		{RegionNear, sizes.CodeSize},
	}
	var cursor uint32
	for _, o := range order {
		a.bases[o.region] = cursor
		cursor += o.size
		a.ends[o.region] = cursor
		a.frees[o.region] = NewFreeSet(a.bases[o.region], a.ends[o.region])
		a.emitAt[o.region] = a.bases[o.region]
		a.emitEnd[o.region] = a.ends[o.region]
	}
}

// Close releases the mmap'd arena. Safe to call on a heap-backed arena
// (no-op).
func (a *Arena) Close() error {
	if !a.mmapped {
		return nil
	}
	return unix.Munmap(a.mem)
}

// Bytes exposes the raw arena backing store so the emitter can write host
// bytecode directly into it.
func (a *Arena) Bytes() []byte { return a.mem }

// SetEmitPointer positions the emitter head for region at from and bounds
// it to end at to, the largest_free -> set_emit_pointer step spec.md §4.1
// describes: emission reuses a reclaimed hole instead of always chasing the
// region's monotonic tail, and AdvanceEmitPointer refuses to run past to.
// It does not itself reserve the range; Erase does that once the emit
// succeeds.
func (a *Arena) SetEmitPointer(region Region, from, to uint32) {
	a.emitAt[region] = from
	a.emitEnd[region] = to
}

// EmitPointer returns the current emit head for region.
func (a *Arena) EmitPointer(region Region) uint32 { return a.emitAt[region] }

// EmitEnd returns the bound the current emit head for region must not run
// past, as established by the last SetEmitPointer (or the region's own end,
// before any hole has been selected).
func (a *Arena) EmitEnd(region Region) uint32 { return a.emitEnd[region] }

// AdvanceEmitPointer moves the emit head forward by n bytes as code is
// written, without yet committing the range to the free set. It reports
// whether doing so would run past EmitEnd; on false the pointer is left
// unchanged and the caller must treat this as space exhaustion.
func (a *Arena) AdvanceEmitPointer(region Region, n uint32) bool {
	if a.emitAt[region]+n > a.emitEnd[region] {
		return false
	}
	a.emitAt[region] += n
	return true
}

// Largest returns the largest free span in region. ok is false
// (ErrNoSpace semantics) when the region is exhausted.
func (a *Arena) Largest(region Region) (Range, bool) {
	return a.frees[region].Largest()
}

// Erase removes [from,to) from region's free set after a successful emit.
func (a *Arena) Erase(region Region, from, to uint32) {
	a.frees[region].Erase(from, to)
}

// Insert returns [from,to) to region's free set on block invalidation.
func (a *Arena) Insert(region Region, from, to uint32) {
	a.frees[region].Insert(from, to)
}

// Clear resets every region's free set to a single full-region span and
// rewinds every emit pointer to the region base. This is the "full cache
// clear" spec.md §4.1/§7 requires on space exhaustion or forced
// invalidation.
func (a *Arena) Clear() {
	for r := Region(0); r < numRegions; r++ {
		a.frees[r].Reset(a.bases[r], a.ends[r])
		a.emitAt[r] = a.bases[r]
		a.emitEnd[r] = a.ends[r]
	}
}

// Bounds returns the [base,end) of a region, for diagnostics and tests.
func (a *Arena) Bounds(region Region) (uint32, uint32) {
	return a.bases[region], a.ends[region]
}
