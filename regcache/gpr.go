// gpr.go - guest general-purpose register cache (spec.md §3 "Register caches")
//
// License: GPLv3 or later

// Package regcache binds guest registers to compile-time knowledge the
// translator can exploit: immediate-folding (a guest register may hold a
// known constant rather than requiring a runtime load), discardable bits
// (written-but-dead registers can be dropped without a writeback), and
// preloading hints (registers used later in the block are noted early).
// The host backend here (see SPEC_FULL.md §0) always addresses guest
// registers directly in ppcstate.State, so "binding" never allocates a
// scarce host register the way a real x86/ARM backend would; the cache's
// value is purely in tracking which registers are provably constant or
// dead so the emitter can skip work, exactly mirroring the bookkeeping
// spec.md describes even though the payoff shows up as fewer emitted
// instructions rather than fewer register spills.
package regcache

// GPRCache tracks per-guest-GPR compile-time state for one block compile.
type GPRCache struct {
	bound       [32]bool
	immediate   [32]bool
	immValue    [32]uint32
	discardable [32]bool
	dirty       [32]bool
	preload     []uint32
}

// NewGPRCache returns an empty cache; call Reset between block compiles to
// reuse an allocation instead of constructing a new one.
func NewGPRCache() *GPRCache { return &GPRCache{} }

// Reset clears all bindings, called at the start of each block compile.
func (c *GPRCache) Reset() {
	*c = GPRCache{}
}

// Bind marks reg as host-cache-resident (loaded), spec.md's "bind guest
// registers to host scratch... registers".
func (c *GPRCache) Bind(reg uint32) { c.bound[reg] = true }

// Bound reports whether reg is currently bound.
func (c *GPRCache) Bound(reg uint32) bool { return c.bound[reg] }

// SetImmediate records that reg's value is statically known. Used by
// translator step 6 (speculative constant inputs); the translator's
// opcode emitters do not read the value back, so nothing is folded.
func (c *GPRCache) SetImmediate(reg, value uint32) {
	c.immediate[reg] = true
	c.immValue[reg] = value
	c.bound[reg] = true
}

// Immediate returns reg's known constant value, if any.
func (c *GPRCache) Immediate(reg uint32) (value uint32, ok bool) {
	return c.immValue[reg], c.immediate[reg]
}

// Invalidate drops any immediate/bound knowledge for reg, called whenever
// an instruction writes to it with a non-constant result.
func (c *GPRCache) Invalidate(reg uint32) {
	c.immediate[reg] = false
	c.bound[reg] = false
	c.dirty[reg] = false
}

// MarkDirty records that reg's binding differs from PPCState and must be
// written back on Flush.
func (c *GPRCache) MarkDirty(reg uint32) { c.dirty[reg] = true }

// MarkDiscardable records that reg is written but never read again before
// the end of the block, so its final write can be dropped rather than
// flushed, per spec.md's "discardable bits (written-but-dead regs may be
// dropped)".
func (c *GPRCache) MarkDiscardable(reg uint32) { c.discardable[reg] = true }

// Discardable reports the discardable bit for reg.
func (c *GPRCache) Discardable(reg uint32) bool { return c.discardable[reg] }

// Preload records a preloading hint: reg is used later in the block and
// should be bound now rather than lazily.
func (c *GPRCache) Preload(regs ...uint32) {
	c.preload = append(c.preload, regs...)
	for _, r := range regs {
		c.bound[r] = true
	}
}

// PreloadHints returns the accumulated preload order, for tests.
func (c *GPRCache) PreloadHints() []uint32 { return c.preload }

// FlushDirty returns every register currently marked dirty and clears the
// dirty set, mirroring "Flush operations write all modified bindings back
// to PPCState" — in this backend the write already landed in PPCState
// directly, so Flush is a bookkeeping reconciliation rather than a real
// writeback, but callers still use it to know what changed.
func (c *GPRCache) FlushDirty() []uint32 {
	var out []uint32
	for r := uint32(0); r < 32; r++ {
		if c.dirty[r] {
			out = append(out, r)
			c.dirty[r] = false
		}
	}
	return out
}

// DiscardDead clears bindings for every bound-but-not-live register,
// given the set of registers still live at this point in the block
// (typically regsOut of the remaining instructions). This is the
// "discard dead regs" step of spec.md §4.3 step 7's per-instruction emit
// loop.
func (c *GPRCache) DiscardDead(liveOut map[uint32]bool) {
	for r := uint32(0); r < 32; r++ {
		if c.bound[r] && !liveOut[r] {
			c.Invalidate(r)
		}
	}
}
