package dispatch

import (
	"testing"

	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/codearena"
	"github.com/kestrelemu/broadwayjit/faulthandler"
	"github.com/kestrelemu/broadwayjit/hostcode"
	"github.com/kestrelemu/broadwayjit/ppcstate"
	"github.com/kestrelemu/broadwayjit/translator"
)

type discardSink struct{}

func (discardSink) Write(p []byte) {}

// newTestRig wires the full compile-and-dispatch pipeline the way
// cmd/broadwayjit-demo does, but against a tiny in-memory arena so tests
// run fast.
func newTestRig(t *testing.T) (*Dispatcher, *ppcstate.State, *ppcstate.Memory) {
	t.Helper()

	arena := codearena.NewHeap(codearena.Sizes{
		CodeSize: 64 * 1024, RoutinesSize: 4096, TrampolinesSize: 4096,
		FarCodeSize: 16 * 1024, ConstPoolSize: 4096,
	})
	t.Cleanup(func() { arena.Close() })

	mem := ppcstate.NewMemory(discardSink{}, 0xCC008000)
	state := ppcstate.New()

	bc := blockcache.New(false)
	fastmem := hostcode.NewFastMemWindow()
	guard := codearena.NewHeapExecStack()
	backpatch := faulthandler.New(arena, guard, bc)

	tr := translator.New(arena, bc, mem, state, fastmem, backpatch, guard, nil, nil, translator.Config{})

	ctx := &hostcode.ExecContext{
		State:  state,
		Mem:    mem,
		FastMem: fastmem,
		Interp: map[uint32]hostcode.InterpFunc{},
		Hooks:  map[uint32]hostcode.HookFunc{},
		Backpatch: backpatch,
		Guard:  guard,
	}

	d := New(state, bc, tr, ctx, nil)
	return d, state, mem
}

// writeWord stores one guest instruction word at addr.
func writeWord(mem *ppcstate.Memory, addr, word uint32) {
	mem.Write32(addr, word)
}

const opSc = 0x44000002 // sc, primary opcode 17

func TestDispatchCompilesAndRunsToSyscallExit(t *testing.T) {
	d, state, mem := newTestRig(t)

	const start = 0x80003000
	writeWord(mem, start, opSc)
	state.PC = start

	d.Dispatch()

	if state.PC != start+4 {
		t.Errorf("PC after a syscall-only block = 0x%08x, want 0x%08x", state.PC, start+4)
	}
}

func TestDispatchCachesCompiledBlocks(t *testing.T) {
	d, state, mem := newTestRig(t)

	const start = 0x80003000
	writeWord(mem, start, opSc)
	state.PC = start

	d.Dispatch()
	if state.PC != start+4 {
		t.Fatalf("first dispatch landed at 0x%08x, want 0x%08x", state.PC, start+4)
	}

	// Re-run the same block: it must come from the cache, not a second
	// compile, and produce the same exit PC again.
	state.PC = start
	d.Dispatch()
	if state.PC != start+4 {
		t.Errorf("second dispatch (cached block) landed at 0x%08x, want 0x%08x", state.PC, start+4)
	}
}

// TestEnterCodeReentersTimingOnSelfLinkedBranch guards against a
// self-branching block (b .) spinning through DispatchNoCheck forever
// without ever re-entering do_timing: each pass must decrement downcount
// and, once it expires, hand control back to the scheduler.
func TestEnterCodeReentersTimingOnSelfLinkedBranch(t *testing.T) {
	d, state, mem := newTestRig(t)

	const start = 0x80003000
	const opB = 0x48000000 // b . (unconditional branch to self, LI=0 AA=0 LK=0)
	writeWord(mem, start, opB)
	state.PC = start
	state.Downcount = 1

	var timingCalls int
	d.timing = func(s *ppcstate.State) {
		timingCalls++
		s.Downcount = 1
		if timingCalls >= 3 {
			d.Stop()
		}
	}

	d.EnterCode()

	if timingCalls < 3 {
		t.Fatalf("do_timing ran %d times, want at least 3: a self-linked branch must keep re-entering timing rather than spin without it", timingCalls)
	}
	if state.PC != start {
		t.Errorf("PC after stopping = 0x%08x, want 0x%08x", state.PC, start)
	}
}

func TestEnterCodeStopsOnUnhandledException(t *testing.T) {
	d, state, mem := newTestRig(t)

	const start = 0x80003000
	writeWord(mem, start, opSc)
	state.PC = start

	d.EnterCode()

	if state.PC != start+4 {
		t.Errorf("EnterCode should halt at the syscall exit PC 0x%08x, got 0x%08x", start+4, state.PC)
	}
}
