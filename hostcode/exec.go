// exec.go - the host bytecode interpreter loop
//
// License: GPLv3 or later

package hostcode

import (
	"github.com/kestrelemu/broadwayjit/codearena"
	"github.com/kestrelemu/broadwayjit/ppcstate"
)

// ExitKind classifies how a block's execution ended, mirroring the exit
// stubs enumerated in spec.md §4.3 step 8.
type ExitKind int

const (
	ExitNormal ExitKind = iota
	ExitDoTiming
	ExitDispatcher
	ExitMispredictedBLR
	ExitException
	ExitBreakpoint
)

// Result is what Exec reports back to the dispatcher.
type Result struct {
	Kind ExitKind
	PC   uint32
}

// Backpatcher is implemented by package faulthandler. Exec calls it in
// place of an OS SIGSEGV handler (see SPEC_FULL.md §4.5) whenever a
// fastmem access misses the fast window. recovered mirrors spec.md §6's
// handle_fault return value; resumeOffset is where interpretation should
// continue (normally the instruction after the original access, or an
// exception handler offset when MMU checks are live).
type Backpatcher interface {
	Handle(ctx *ExecContext, code []byte, faultSite uint32, accessAddr uint32, instr Instr) (recovered bool, resumeOffset uint32)
}

// InterpFunc is the ABI-correct interpreter fallback signature spec.md §6
// names: interpreter_op(opcode) -> function(inst_word).
type InterpFunc func(state *ppcstate.State, instWord uint32)

// HookFunc implements one HLE function-hook call (spec.md §4.3 step 7 /
// §6 "To HLE"). kindReplace reports whether the hook fully replaces the
// guest routine (kind == Replace), in which case the caller must emit a
// dispatcher exit using npc and stop the block, exactly as spec.md
// prescribes.
type HookFunc func(state *ppcstate.State) (kindReplace bool)

// ExecContext bundles everything the interpreter loop needs beyond the
// bytecode itself. It is rebuilt once per dispatch, not per instruction.
type ExecContext struct {
	State    *ppcstate.State
	Mem      *ppcstate.Memory
	FastMem  *FastMemWindow
	Interp   map[uint32]InterpFunc
	Hooks    map[uint32]HookFunc
	Backpatch Backpatcher

	// Guard is the dedicated BLR guard stack (spec.md §4.4). When set,
	// PushRA/PopRA delegate to it so a hint that pushes past the trigger
	// guard offset reports a fault instead of growing forever. When nil
	// (minimal tests that never emit OpPushRA), hostStack is used as a
	// plain unbounded fallback.
	Guard *codearena.ExecStack

	hostStack []uint32

	// PICause is a stand-in for the processor-interface cause register
	// the external-interrupt check in spec.md §4.3 step 7 tests.
	PICause uint32
}

// PushRA pushes a host return-address hint for the BLR optimization. It
// reports false only when the guard stack's trigger offset has been
// crossed; a disabled guard stack silently no-ops (true) so a block
// compiled before optimization was turned off degrades to a harmless
// stack/LR mismatch on its matching OpPopRACompare rather than faulting.
func (c *ExecContext) PushRA(ra uint32) bool {
	if c.Guard != nil {
		return c.Guard.Push(ra)
	}
	c.hostStack = append(c.hostStack, ra)
	return true
}

// PopRA pops the most recent hint; ok is false if the stack is empty
// (treated as a guaranteed mispredict).
func (c *ExecContext) PopRA() (uint32, bool) {
	if c.Guard != nil {
		return c.Guard.Pop()
	}
	if len(c.hostStack) == 0 {
		return 0, false
	}
	n := len(c.hostStack) - 1
	ra := c.hostStack[n]
	c.hostStack = c.hostStack[:n]
	return ra, true
}

// Exec runs the bytecode in code[startOffset:] until an exit instruction
// or a fastmem fault redirects control, and returns the outcome.
func Exec(ctx *ExecContext, code []byte, startOffset uint32) Result {
	off := startOffset
	s := ctx.State
	for {
		instr := Decode(code[off : off+InstrSize])
		next := off + InstrSize

		switch instr.Op {
		case OpNop:
			// no-op

		case OpLoadImm32:
			s.GPR[instr.Rd] = instr.Imm

		case OpMovGPR:
			s.GPR[instr.Rd] = s.GPR[instr.Ra]

		case OpStoreGPR:
			s.GPR[instr.Rd] = instr.Ra

		case OpAddImm:
			s.GPR[instr.Rd] = s.GPR[instr.Ra] + instr.Imm

		case OpAdd:
			s.GPR[instr.Rd] = s.GPR[instr.Ra] + s.GPR[instr.Imm]

		case OpSub:
			s.GPR[instr.Rd] = s.GPR[instr.Ra] - s.GPR[instr.Imm]

		case OpAnd:
			s.GPR[instr.Rd] = s.GPR[instr.Ra] & s.GPR[instr.Imm]

		case OpOr:
			s.GPR[instr.Rd] = s.GPR[instr.Ra] | s.GPR[instr.Imm]

		case OpXor:
			s.GPR[instr.Rd] = s.GPR[instr.Ra] ^ s.GPR[instr.Imm]

		case OpCmpToCR:
			setCRField(s, instr.Imm, int32(s.GPR[instr.Rd]), int32(s.GPR[instr.Ra]))

		case OpCmpImmToCR:
			setCRField(s, instr.Imm, int32(s.GPR[instr.Rd]), int32(int16(instr.Ra)))

		case OpLoadWord:
			s.GPR[instr.Rd] = ctx.Mem.Read32(s.GPR[instr.Ra] + instr.Imm)

		case OpStoreWord:
			ctx.Mem.Write32(s.GPR[instr.Rd]+instr.Imm, s.GPR[instr.Ra])

		case OpFastLoadWord:
			addr := s.GPR[instr.Ra] + instr.Imm
			if !ctx.FastMem.Mapped(addr) {
				recovered, resume := ctx.Backpatch.Handle(ctx, code, off, addr, instr)
				if !recovered {
					return Result{Kind: ExitException, PC: s.PC}
				}
				next = resume
				break
			}
			s.GPR[instr.Rd] = ctx.Mem.Read32(addr)

		case OpFastStoreWord:
			addr := s.GPR[instr.Rd] + instr.Imm
			if !ctx.FastMem.Mapped(addr) {
				recovered, resume := ctx.Backpatch.Handle(ctx, code, off, addr, instr)
				if !recovered {
					return Result{Kind: ExitException, PC: s.PC}
				}
				next = resume
				break
			}
			ctx.Mem.Write32(addr, s.GPR[instr.Ra])

		case OpJump:
			next = instr.Imm

		case OpCheckGQR:
			if s.GQR[instr.Imm] != s.GPR[instr.Ra] {
				next = instr.Rd
			}

		case OpCheckConstInput:
			if s.GPR[instr.Imm] != instr.Ra {
				next = instr.Rd
			}

		case OpGatherPipeCheck:
			// Nothing to simulate at the bytecode level beyond the
			// downstream OpStoreWord into the gather-pipe MMIO window;
			// this op exists so translator emission mirrors spec.md's
			// per-instruction algorithm shape one-for-one.

		case OpExternalIntCheck:
			if s.HasException(ppcstate.ExceptionExternalInt) &&
				s.MSR&ppcstate.MSREE != 0 && ctx.PICause != 0 {
				s.PC = instr.Ra
				return Result{Kind: ExitException, PC: instr.Ra}
			}

		case OpFPUnavailCheck:
			if s.MSR&ppcstate.MSRFP == 0 {
				s.PC = instr.Ra
				return Result{Kind: ExitException, PC: instr.Ra}
			}

		case OpBreakpointCheck:
			if s.Stepping.Load() {
				return Result{Kind: ExitBreakpoint, PC: instr.Ra}
			}

		case OpCallHook:
			if h, ok := ctx.Hooks[instr.Imm]; ok {
				if replace := h(s); replace {
					return Result{Kind: ExitDispatcher, PC: s.NPC}
				}
			}

		case OpCallInterp:
			if f, ok := ctx.Interp[instr.Imm]; ok {
				f(s, instr.Imm)
			}

		case OpSubDowncount:
			s.Downcount -= int32(instr.Imm)

		case OpDowncountBranch:
			if s.Downcount <= 0 {
				return Result{Kind: ExitDoTiming, PC: s.PC}
			}
			// Downcount has not expired: fall through into the linked-jump
			// (or, until linked, OpExitDispatcher) slot emitted right after
			// this instruction, rather than leaving the interpreter loop.

		case OpPushRA:
			if !ctx.PushRA(instr.Ra) {
				recovered, resume := ctx.Backpatch.Handle(ctx, code, off, 0, instr)
				if !recovered {
					return Result{Kind: ExitException, PC: s.PC}
				}
				next = resume
			}

		case OpPopRACompare:
			hint, ok := ctx.PopRA()
			if ok && hint == s.LR {
				return Result{Kind: ExitNormal, PC: hint}
			}
			return Result{Kind: ExitMispredictedBLR, PC: s.LR}

		case OpSetLR:
			s.LR = instr.Imm

		case OpExitDirect:
			return Result{Kind: ExitNormal, PC: instr.Imm}

		case OpExitConditional:
			// Rd is the CR bit index (0-31, MSB0), Ra is the expected sense
			// (nonzero means "branch when set"). A mismatch skips forward to
			// Imm, the block's fallthrough checked-exit sequence; a match
			// falls into the taken-branch's own OpSetPC/OpDowncountBranch
			// pair emitted immediately after this instruction.
			if crBit(s.CR, instr.Rd) != (instr.Ra != 0) {
				next = instr.Imm
			}

		case OpExitDispatcher:
			return Result{Kind: ExitDispatcher, PC: instr.Imm}

		case OpExitException:
			s.PC = instr.Imm
			return Result{Kind: ExitException, PC: instr.Imm}

		case OpSetPC:
			s.PC = instr.Imm

		case OpHalt:
			return Result{Kind: ExitDispatcher, PC: s.PC}
		}

		off = next
	}
}

// crBit reads CR bit n using PowerPC's MSB0 numbering (bit 0 is CR0's LT).
func crBit(cr uint32, n uint32) bool {
	return cr&(1<<(31-n)) != 0
}

// setCRField packs the standard PowerPC LT/GT/EQ/SO bits for CR field
// `field` (0-7) from a signed comparison of a and b.
func setCRField(s *ppcstate.State, field uint32, a, b int32) {
	var bits4 uint32
	switch {
	case a < b:
		bits4 = 0b1000
	case a > b:
		bits4 = 0b0100
	default:
		bits4 = 0b0010
	}
	shift := (7 - field) * 4
	mask := uint32(0xF) << shift
	s.CR = (s.CR &^ mask) | (bits4 << shift)
}
