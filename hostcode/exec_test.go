package hostcode

import (
	"testing"

	"github.com/kestrelemu/broadwayjit/ppcstate"
)

func newExecCtx() (*ExecContext, []byte) {
	state := ppcstate.New()
	mem := ppcstate.NewMemory(nopSink{}, 0xCC008000)
	code := make([]byte, 64*InstrSize)
	return &ExecContext{
		State:  state,
		Mem:    mem,
		Interp: map[uint32]InterpFunc{},
		Hooks:  map[uint32]HookFunc{},
	}, code
}

type nopSink struct{}

func (nopSink) Write(p []byte) {}

func emitAt(code []byte, offset uint32, instr Instr) uint32 {
	Encode(code[offset:], instr)
	return offset + InstrSize
}

func TestExecArithmeticAndExitDirect(t *testing.T) {
	ctx, code := newExecCtx()

	var off uint32
	off = emitAt(code, off, Instr{Op: OpLoadImm32, Rd: 3, Imm: 10})
	off = emitAt(code, off, Instr{Op: OpAddImm, Rd: 3, Ra: 3, Imm: 5})
	off = emitAt(code, off, Instr{Op: OpExitDirect, Imm: 0x80001234})

	result := Exec(ctx, code, 0)

	if result.Kind != ExitNormal || result.PC != 0x80001234 {
		t.Fatalf("Exec = %+v, want ExitNormal at 0x80001234", result)
	}
	if ctx.State.GPR[3] != 15 {
		t.Errorf("GPR[3] = %d, want 15", ctx.State.GPR[3])
	}
}

// buildConditionalExit lays out the checked-exit shape translator/emit_table.go
// emits for a conditional branch: a bare OpExitConditional check, the
// taken sequence (OpSetPC + OpDowncountBranch + a terminal exit), then the
// fallthrough sequence (the same three-instruction shape) the check skips
// forward to on a mismatch. A not-yet-expired OpDowncountBranch falls
// through into the terminal exit rather than returning on its own, so
// each sequence needs one; a real compiled block uses OpExitDispatcher
// there, but a plain OpExitDirect is enough to observe the resulting PC.
func buildConditionalExit(code []byte, bit, sense uint32, takenPC, fallthroughPC uint32) {
	var off uint32
	off = emitAt(code, off, Instr{Op: OpExitConditional, Rd: bit, Ra: sense, Imm: 4 * InstrSize})
	off = emitAt(code, off, Instr{Op: OpSetPC, Imm: takenPC})
	off = emitAt(code, off, Instr{Op: OpDowncountBranch})
	off = emitAt(code, off, Instr{Op: OpExitDirect, Imm: takenPC})
	off = emitAt(code, off, Instr{Op: OpSetPC, Imm: fallthroughPC})
	off = emitAt(code, off, Instr{Op: OpDowncountBranch})
	emitAt(code, off, Instr{Op: OpExitDirect, Imm: fallthroughPC})
}

func TestExecConditionalExitTakesOrSkipsBranch(t *testing.T) {
	tests := []struct {
		name   string
		cr     uint32
		bit    uint32
		sense  uint32
		wantPC uint32
	}{
		{"bit set, want set: takes branch", 1 << 31, 0, 1, 0x1000},
		{"bit clear, want set: falls to fallthrough", 0, 0, 1, 0x2000},
		{"bit clear, want clear: takes branch", 0, 0, 0, 0x1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, code := newExecCtx()
			ctx.State.CR = tt.cr
			ctx.State.Downcount = 1
			buildConditionalExit(code, tt.bit, tt.sense, 0x1000, 0x2000)

			result := Exec(ctx, code, 0)
			if result.Kind != ExitNormal || result.PC != tt.wantPC {
				t.Errorf("Exec = %+v, want (ExitNormal, 0x%x)", result, tt.wantPC)
			}
		})
	}
}

func TestExecDowncountBranchRoutesToDoTimingWhenExpired(t *testing.T) {
	ctx, code := newExecCtx()
	ctx.State.Downcount = 0
	buildConditionalExit(code, 0, 0, 0x1000, 0x2000)

	result := Exec(ctx, code, 0)
	if result.Kind != ExitDoTiming || result.PC != 0x1000 {
		t.Fatalf("Exec with expired downcount = %+v, want (ExitDoTiming, 0x1000)", result)
	}
}

func TestExecPopRACompareMatchesLR(t *testing.T) {
	ctx, code := newExecCtx()
	ctx.State.LR = 0x80005000

	var off uint32
	off = emitAt(code, off, Instr{Op: OpPushRA, Ra: 0x80005000})
	off = emitAt(code, off, Instr{Op: OpPopRACompare})

	result := Exec(ctx, code, 0)
	if result.Kind != ExitNormal || result.PC != 0x80005000 {
		t.Fatalf("matched BLR prediction: Exec = %+v, want ExitNormal at LR", result)
	}
}

func TestExecPopRACompareMispredicts(t *testing.T) {
	ctx, code := newExecCtx()
	ctx.State.LR = 0x80009999

	var off uint32
	off = emitAt(code, off, Instr{Op: OpPushRA, Ra: 0x80005000})
	off = emitAt(code, off, Instr{Op: OpPopRACompare})

	result := Exec(ctx, code, 0)
	if result.Kind != ExitMispredictedBLR || result.PC != 0x80009999 {
		t.Fatalf("mispredicted BLR: Exec = %+v, want ExitMispredictedBLR at LR", result)
	}
}
