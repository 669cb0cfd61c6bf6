// emit_table.go - per-mnemonic host bytecode emission
//
// License: GPLv3 or later

package translator

import (
	"github.com/kestrelemu/broadwayjit/analyzer"
	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/faulthandler"
	"github.com/kestrelemu/broadwayjit/hostcode"
)

// emitOne translates one analyzed guest instruction into host bytecode,
// spec.md §4.3 step 7's per-instruction body. Register-register and
// register-immediate arithmetic favor the same "materialize into the
// destination, then combine" idiom a real x86 backend uses when no
// dedicated immediate form of an opcode exists (see MnOrI/MnAndI/MnXorI
// below); it keeps the bytecode's opcode count small without losing the
// shape of what a real backend emits.
func (t *Translator) emitOne(near, far *hostcode.Emitter, block *blockcache.Block, op *analyzer.Op, jit *compileState) {
	switch op.Mn {
	case analyzer.MnAddI:
		if op.RA == 0 {
			near.Emit(hostcode.Instr{Op: hostcode.OpLoadImm32, Rd: op.RD, Imm: uint32(op.SIMM)})
		} else {
			near.Emit(hostcode.Instr{Op: hostcode.OpAddImm, Rd: op.RD, Ra: op.RA, Imm: uint32(op.SIMM)})
		}
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnAddIS:
		near.Emit(hostcode.Instr{Op: hostcode.OpLoadImm32, Rd: op.RD, Imm: uint32(op.SIMM) << 16})
		if op.RA != 0 {
			near.Emit(hostcode.Instr{Op: hostcode.OpAdd, Rd: op.RD, Ra: op.RA, Imm: op.RD})
		}
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnOrI:
		near.Emit(hostcode.Instr{Op: hostcode.OpLoadImm32, Rd: op.RD, Imm: op.UIMM})
		if op.RA != 0 {
			near.Emit(hostcode.Instr{Op: hostcode.OpOr, Rd: op.RD, Ra: op.RA, Imm: op.RD})
		}
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnAndI:
		near.Emit(hostcode.Instr{Op: hostcode.OpLoadImm32, Rd: op.RD, Imm: op.UIMM})
		near.Emit(hostcode.Instr{Op: hostcode.OpAnd, Rd: op.RD, Ra: op.RA, Imm: op.RD})
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnXorI:
		near.Emit(hostcode.Instr{Op: hostcode.OpLoadImm32, Rd: op.RD, Imm: op.UIMM})
		if op.RA != 0 {
			near.Emit(hostcode.Instr{Op: hostcode.OpXor, Rd: op.RD, Ra: op.RA, Imm: op.RD})
		}
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnCmpI:
		near.Emit(hostcode.Instr{Op: hostcode.OpCmpImmToCR, Rd: op.RA, Ra: uint32(uint16(op.SIMM)), Imm: 0})

	case analyzer.MnAdd:
		near.Emit(hostcode.Instr{Op: hostcode.OpAdd, Rd: op.RD, Ra: op.RA, Imm: op.RB})
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnSub:
		// decoded from subf: RD = RB - RA.
		near.Emit(hostcode.Instr{Op: hostcode.OpSub, Rd: op.RD, Ra: op.RB, Imm: op.RA})
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnOr:
		near.Emit(hostcode.Instr{Op: hostcode.OpOr, Rd: op.RD, Ra: op.RA, Imm: op.RB})
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnAnd:
		near.Emit(hostcode.Instr{Op: hostcode.OpAnd, Rd: op.RD, Ra: op.RA, Imm: op.RB})
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnXor:
		near.Emit(hostcode.Instr{Op: hostcode.OpXor, Rd: op.RD, Ra: op.RA, Imm: op.RB})
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnCmp:
		near.Emit(hostcode.Instr{Op: hostcode.OpCmpToCR, Rd: op.RA, Ra: op.RB, Imm: op.RD & 0x7})

	case analyzer.MnLwz, analyzer.MnLwzu:
		t.emitFastLoad(near, op.RD, op.RA, uint32(op.SIMM), op.Address)
		jit.gpr.Invalidate(op.RD)
		if op.Mn == analyzer.MnLwzu && op.RA != 0 {
			near.Emit(hostcode.Instr{Op: hostcode.OpAddImm, Rd: op.RA, Ra: op.RA, Imm: uint32(op.SIMM)})
			jit.gpr.Invalidate(op.RA)
		}

	case analyzer.MnLwzx:
		near.Emit(hostcode.Instr{Op: hostcode.OpAdd, Rd: op.RD, Ra: op.RA, Imm: op.RB})
		t.emitFastLoad(near, op.RD, op.RD, 0, op.Address)
		jit.gpr.Invalidate(op.RD)

	case analyzer.MnStw, analyzer.MnStwu:
		t.emitFastStore(near, op.RA, op.RD, uint32(op.SIMM), op.Address)
		if op.Mn == analyzer.MnStwu && op.RA != 0 {
			near.Emit(hostcode.Instr{Op: hostcode.OpAddImm, Rd: op.RA, Ra: op.RA, Imm: uint32(op.SIMM)})
			jit.gpr.Invalidate(op.RA)
		}

	case analyzer.MnStwx:
		near.Emit(hostcode.Instr{Op: hostcode.OpAdd, Rd: op.RB, Ra: op.RA, Imm: op.RB})
		t.emitFastStore(near, op.RB, op.RD, 0, op.Address)
		jit.gpr.Invalidate(op.RB)

	case analyzer.MnB:
		t.flushDowncount(near, jit)
		t.emitBlockExit(near, block, hostcode.OpExitDirect, branchTarget(op), false)

	case analyzer.MnBl:
		if t.guard == nil || t.guard.BLROptimizationEnabled() {
			near.Emit(hostcode.Instr{Op: hostcode.OpPushRA, Ra: op.Address + 4})
		}
		near.Emit(hostcode.Instr{Op: hostcode.OpSetLR, Imm: op.Address + 4})
		t.flushDowncount(near, jit)
		t.emitBlockExit(near, block, hostcode.OpExitDirect, branchTarget(op), true)

	case analyzer.MnBc:
		t.flushDowncount(near, jit)
		unconditional := op.BO&0x10 != 0
		if unconditional {
			t.emitBlockExit(near, block, hostcode.OpExitDirect, branchTarget(op), false)
			return
		}
		sense := op.BO&0x08 != 0
		// The check itself carries no branch target: on a mismatch it
		// skips forward past the taken sequence below (patched in once
		// its length is known); on a match it falls into that sequence's
		// own linkable exit, so a downcount that has just gone
		// non-positive still routes through do_timing on the taken path
		// exactly as it does on the fallthrough path.
		checkSite := near.Emit(hostcode.Instr{Op: hostcode.OpExitConditional, Rd: op.BI, Ra: boolU32(sense)})
		t.emitLinkableExit(near, block, branchTarget(op), false)
		skipTo := near.Here()
		near.PatchLocal(checkSite, uint32(skipTo))
		t.emitBlockExit(near, block, hostcode.OpExitDirect, op.Address+4, false)

	case analyzer.MnBlr:
		t.flushDowncount(near, jit)
		near.Emit(hostcode.Instr{Op: hostcode.OpPopRACompare})

	case analyzer.MnBclr:
		t.flushDowncount(near, jit)
		t.emitBlockExit(near, block, hostcode.OpExitDispatcher, 0, false)

	case analyzer.MnRfi:
		t.flushDowncount(near, jit)
		near.Emit(hostcode.Instr{Op: hostcode.OpCallInterp, Imm: op.Word})
		t.emitBlockExit(near, block, hostcode.OpExitDispatcher, 0, false)

	case analyzer.MnSc:
		t.flushDowncount(near, jit)
		near.Emit(hostcode.Instr{Op: hostcode.OpExitException, Imm: op.Address + 4})

	default: // MnUnknown, MnMfspr, MnMtspr, and anything else outside the
		// bounded subset: hand the raw instruction word to the interpreter.
		near.Emit(hostcode.Instr{Op: hostcode.OpCallInterp, Imm: op.Word})
		if op.Mn == analyzer.MnMfspr {
			jit.gpr.Invalidate(op.RD)
		}
	}
}

// emitFastLoad emits a fastmem load and registers its backpatch site so a
// miss can be serviced and the site rewritten to a slow-path trampoline
// (spec.md §4.5).
func (t *Translator) emitFastLoad(em *hostcode.Emitter, rd, ra, imm, guestPC uint32) {
	site := em.Emit(hostcode.Instr{Op: hostcode.OpFastLoadWord, Rd: rd, Ra: ra, Imm: imm})
	t.backpatch.Register(uint32(site), &faulthandler.TrampolineInfo{
		Start: uint32(site), Len: hostcode.InstrSize, PC: guestPC,
		AccessSize: 4, OpRegOperand: rd, Offset: imm, OffsetAddedToAddress: true,
	})
}

// emitFastStore is emitFastLoad's store counterpart.
func (t *Translator) emitFastStore(em *hostcode.Emitter, rBase, rVal, imm, guestPC uint32) {
	site := em.Emit(hostcode.Instr{Op: hostcode.OpFastStoreWord, Rd: rBase, Ra: rVal, Imm: imm})
	t.backpatch.Register(uint32(site), &faulthandler.TrampolineInfo{
		Start: uint32(site), Len: hostcode.InstrSize, PC: guestPC,
		AccessSize: 4, OpRegOperand: rVal, Offset: imm, OffsetAddedToAddress: true,
	})
}

// branchTarget resolves a B/BL/BC's absolute guest target address.
func branchTarget(op *analyzer.Op) uint32 {
	if op.Mn == analyzer.MnBc {
		if op.AA {
			return uint32(op.BD)
		}
		return op.Address + uint32(op.BD)
	}
	if op.AA {
		return uint32(op.LI)
	}
	return op.Address + uint32(op.LI)
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
