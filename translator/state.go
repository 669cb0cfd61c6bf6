// state.go - ephemeral per-block-compile JIT state (spec.md §3 "JIT state")
//
// License: GPLv3 or later

package translator

import "github.com/kestrelemu/broadwayjit/regcache"

// CarryFlag tracks where the current carry bit lives during a compile,
// spec.md §3: "carry_flag (one of {InPPCState, InHostCarry, ConstantOne,
// ConstantZero})". The bounded opcode subset this module emits never
// produces carry-affecting instructions, but the type is threaded through
// compile state so adding one is a table entry, not a redesign.
type CarryFlag int

const (
	CarryInPPCState CarryFlag = iota
	CarryInHostCarry
	CarryConstantOne
	CarryConstantZero
)

// compileState is the ephemeral state threaded through one block's
// per-instruction emit loop.
type compileState struct {
	compilerPC       uint32
	blockStart       uint32
	downcountAmount  int32
	isLastInstruction bool
	carryFlag        CarryFlag

	constantGQR      [8]uint32
	constantGQRValid uint8 // bitset

	fifoBytesSinceCheck uint32

	fastmemLoadStore     bool
	fixupExceptionHandler uint32 // 0 means "no handler installed"

	gpr *regcache.GPRCache
	fpr *regcache.FPRCache

	usedFPThisBlock bool
	breakpointHit   bool
}

func newCompileState(startPC uint32) *compileState {
	return &compileState{
		compilerPC: startPC,
		blockStart: startPC,
		carryFlag:  CarryInPPCState,
		gpr:        regcache.NewGPRCache(),
		fpr:        regcache.NewFPRCache(),
	}
}

func (s *compileState) gqrIsConstant(idx uint32) bool {
	return s.constantGQRValid&(1<<idx) != 0
}

func (s *compileState) setConstantGQR(idx, value uint32) {
	s.constantGQR[idx] = value
	s.constantGQRValid |= 1 << idx
}
