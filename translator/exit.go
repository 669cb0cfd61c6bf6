// exit.go - block-ending exit stubs, breakpoints, FP-unavailable guard
//
// License: GPLv3 or later

package translator

import (
	"github.com/kestrelemu/broadwayjit/analyzer"
	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/hostcode"
)

// flushDowncount emits the accumulated per-instruction cycle cost as a
// single subtraction, spec.md §4.3 step 8: downcount is only written back
// once per block, at each exit, not after every instruction.
func (t *Translator) flushDowncount(em *hostcode.Emitter, jit *compileState) {
	em.Emit(hostcode.Instr{Op: hostcode.OpSubDowncount, Imm: uint32(jit.downcountAmount)})
	jit.downcountAmount = 0
}

// emitBlockExit writes a block-ending exit stub, delegating direct exits
// to emitLinkableExit (spec.md §4.2/§4.3 step 8).
func (t *Translator) emitBlockExit(em *hostcode.Emitter, block *blockcache.Block, op hostcode.Op, target uint32, isCall bool) hostcode.CodePtr {
	if op == hostcode.OpExitDirect {
		return t.emitLinkableExit(em, block, target, isCall)
	}
	return em.Emit(hostcode.Instr{Op: op, Imm: target})
}

// emitLinkableExit writes a direct exit's full three-instruction sequence
// and records a LinkData entry so a later FinalizeBlock of the target
// block can patch it in place (spec.md §4.2/§4.3 step 8):
//
//  1. OpSetPC{target} keeps the guest target address available in
//     PPCState.PC for the ExitDoTiming case below and for the
//     not-yet-linked OpExitDispatcher fallback, both of which need a
//     guest address rather than a host one.
//  2. OpDowncountBranch returns to the scheduler once downcount has run
//     out; otherwise it falls straight through to the next instruction
//     without ever leaving the interpreter loop.
//  3. The patch site itself starts out as OpExitDispatcher{target}, a
//     guest-PC exit that routes through the full dispatcher (lookup or
//     compile, then run the target's checked entry). Once that target
//     block exists, FinalizeBlock rewrites this site's opcode to OpJump
//     and its operand to the target's checked entry — a host code byte
//     offset — so every later run of this exit jumps directly into the
//     target's bytecode without a round trip back into Go at all.
//
// PatchTarget alone is never enough here: a bytecode instruction's
// operand is only meaningful in the context of its opcode, so linking
// (guest PC -> host offset) and unlinking (host offset -> guest PC) both
// rewrite the opcode byte along with the operand.
func (t *Translator) emitLinkableExit(em *hostcode.Emitter, block *blockcache.Block, target uint32, isCall bool) hostcode.CodePtr {
	em.Emit(hostcode.Instr{Op: hostcode.OpSetPC, Imm: target})
	em.Emit(hostcode.Instr{Op: hostcode.OpDowncountBranch})
	site := em.Emit(hostcode.Instr{Op: hostcode.OpExitDispatcher, Imm: target})
	block.Links = append(block.Links, blockcache.LinkData{ExitAddress: target, PatchSite: site, IsCall: isCall})
	return site
}

// emitBreakpointCheck emits a debugger trap before op if a breakpoint is
// set on its address, and permanently disables link patching for the block
// once one is found (spec.md §4.3 step 7).
func (t *Translator) emitBreakpointCheck(em *hostcode.Emitter, block *blockcache.Block, op *analyzer.Op, jit *compileState) {
	if t.bp == nil || !t.bp.At(op.Address) {
		return
	}
	jit.breakpointHit = true
	block.DisableLinking()
	em.Emit(hostcode.Instr{Op: hostcode.OpBreakpointCheck, Ra: op.Address})
}

// emitFPUnavailableCheck emits the MSR.FP guard the first time a block uses
// an FP instruction (spec.md §4.3 step 7: "if no FP op has occurred yet in
// the block"). The bounded opcode subset this module translates has no
// paired-single arithmetic (SPEC_FULL.md §4.3), so FlUseFPU is never set
// today; this stays wired for the day an emit routine sets it.
func (t *Translator) emitFPUnavailableCheck(em *hostcode.Emitter, op *analyzer.Op, jit *compileState) {
	if op.Flags&analyzer.FlUseFPU == 0 || jit.usedFPThisBlock {
		return
	}
	jit.usedFPThisBlock = true
	jit.fpr.MarkUsedFP()
	em.Emit(hostcode.Instr{Op: hostcode.OpFPUnavailCheck, Ra: op.Address})
}
