// gqr_speculation.go - speculative GQR and constant-input specialization
//
// License: GPLv3 or later

package translator

import (
	"github.com/kestrelemu/broadwayjit/analyzer"
	"github.com/kestrelemu/broadwayjit/hostcode"
)

// emitGQRSpeculation implements spec.md §4.3 step 5: for every GQR the
// block reads but never itself rewrites, assume it holds the value it has
// right now and guard that assumption with a cheap runtime check that bails
// to the dispatcher (which recompiles without the assumption) if it turns
// out false. A block whose PC has previously bailed here is never
// speculated on again (see t.gqrNoSpeculate).
func (t *Translator) emitGQRSpeculation(near, far *hostcode.Emitter, cb *analyzer.CodeBlock, jit *compileState) {
	if len(cb.GQRUsed) == 0 || t.gqrNoSpeculate[jit.blockStart] {
		return
	}
	scratch, ok := chooseScratchReg(cb)
	if !ok {
		return // every register is live-in; not worth the risk of clobbering one
	}
	for idx := range cb.GQRUsed {
		if cb.GQRModified[idx] {
			continue // the block itself rewrites this GQR; nothing to speculate
		}
		expected := t.state.GQR[idx]
		bail := far.Here()
		near.Emit(hostcode.Instr{Op: hostcode.OpLoadImm32, Rd: scratch, Imm: expected})
		near.Emit(hostcode.Instr{Op: hostcode.OpCheckGQR, Rd: uint32(bail), Ra: scratch, Imm: idx})
		far.Emit(hostcode.Instr{Op: hostcode.OpExitDispatcher, Imm: jit.blockStart})
		jit.setConstantGQR(idx, expected)
	}
}

// gatherPipeMMIOBase is the hardware address the gather pipe's MMIO write
// window is mirrored at regardless of GatherPipeBase's guest-visible
// mapping, spec.md §4.3 step 6's third recognized value.
const gatherPipeMMIOBase = 0xCC000000

// looksLikeGatherPipeBase reports whether value is one of the handful of
// bases spec.md §4.3 step 6 considers worth speculating a load/store input
// on: the configured gather-pipe base, the same base with the segment bias
// real Gekko code applies to it (base-0x8000), or the fixed MMIO mirror.
// Any other base is left alone; speculating on it buys nothing since it is
// not the hot gather-pipe write path this guard exists for.
func (t *Translator) looksLikeGatherPipeBase(value uint32) bool {
	return value == t.cfg.GatherPipeBase ||
		value == t.cfg.GatherPipeBase-0x8000 ||
		value == gatherPipeMMIOBase
}

// emitConstantInputSpeculation implements spec.md §4.3 step 6: for the
// first load or store off each live-in base register that looks like a
// gather-pipe base, assume it still holds its current value and guard the
// assumption the same way GQR speculation does, and records the register
// as an immediate in the register cache. The opcode emitters in
// emit_table.go do not read that immediate back.
func (t *Translator) emitConstantInputSpeculation(near, far *hostcode.Emitter, cb *analyzer.CodeBlock, jit *compileState) {
	if t.constNoSpeculate[jit.blockStart] {
		return
	}
	seen := make(map[uint32]bool)
	for i := range cb.Ops {
		op := &cb.Ops[i]
		if op.Flags&analyzer.FlLoadStore == 0 || op.RA == 0 || seen[op.RA] || !cb.GPRInputs[op.RA] {
			continue
		}
		expected := t.state.GPR[op.RA]
		if !t.looksLikeGatherPipeBase(expected) {
			continue
		}
		seen[op.RA] = true
		bail := far.Here()
		near.Emit(hostcode.Instr{Op: hostcode.OpCheckConstInput, Rd: uint32(bail), Ra: expected, Imm: op.RA})
		far.Emit(hostcode.Instr{Op: hostcode.OpExitDispatcher, Imm: jit.blockStart})
		jit.gpr.SetImmediate(op.RA, expected)
	}
}

// chooseScratchReg picks a guest GPR that is provably dead on entry to the
// block (never read before written, per cb.GPRInputs), so GQR speculation
// can stash an expected value in it without corrupting anything the block
// or its caller still cares about. r0-r2 are skipped since real Gekko code
// treats them as quasi-fixed (zero/TOC/stack-adjacent) by convention.
func chooseScratchReg(cb *analyzer.CodeBlock) (uint32, bool) {
	for r := uint32(3); r < 32; r++ {
		if !cb.GPRInputs[r] {
			return r, true
		}
	}
	return 0, false
}
