// fpr.go - guest paired-single register cache
//
// License: GPLv3 or later

package regcache

// FPRCache mirrors GPRCache for the 32 paired-single floating registers.
// The bounded instruction subset this module translates (SPEC_FULL.md
// §4.3) does not include paired-single arithmetic, so this cache only
// tracks the "in XMM" bit spec.md's JIT state names (constant_gqr's
// sibling bookkeeping for FPR bindings) for forward compatibility with
// additional opcode emit routines. Its only caller is the FP-unavailable
// exception check, which marks the first FP op of a block; no translated
// opcode is flagged as an FP op, so that path is not reached.
type FPRCache struct {
	bound  [32]bool
	inXmm  [32]bool
	usedFP bool
}

// NewFPRCache returns an empty cache.
func NewFPRCache() *FPRCache { return &FPRCache{} }

// Reset clears all bindings.
func (c *FPRCache) Reset() { *c = FPRCache{} }

// Bind marks freg as resident.
func (c *FPRCache) Bind(freg uint32) { c.bound[freg] = true }

// MarkUsedFP records that an FP instruction has been emitted in this
// block, so the translator only emits the FP-unavailable guard once
// (spec.md §4.3 step 7: "no FP op has occurred yet in the block").
func (c *FPRCache) MarkUsedFP() { c.usedFP = true }

// UsedFP reports whether MarkUsedFP has been called yet this block.
func (c *FPRCache) UsedFP() bool { return c.usedFP }
