package translator_test

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

// newRig wires a translator against a tiny heap-backed arena, the same
// shape cmd/broadwayjit-demo and dispatch's tests use.
func newRig(t *testing.T, noLinking bool) (*translator.Translator, *blockcache.Cache, *codearena.Arena, *ppcstate.Memory, *ppcstate.State) {
	t.Helper()

	arena := codearena.NewHeap(codearena.Sizes{
		CodeSize: 64 * 1024, RoutinesSize: 4096, TrampolinesSize: 4096,
		FarCodeSize: 16 * 1024, ConstPoolSize: 4096,
	})
	t.Cleanup(func() { arena.Close() })

	mem := ppcstate.NewMemory(discardSink{}, 0xCC008000)
	state := ppcstate.New()
	bc := blockcache.New(noLinking)
	fastmem := hostcode.NewFastMemWindow()
	guard := codearena.NewHeapExecStack()
	backpatch := faulthandler.New(arena, guard, bc)

	tr := translator.New(arena, bc, mem, state, fastmem, backpatch, guard, nil, nil, translator.Config{NoBlockLinking: noLinking})
	return tr, bc, arena, mem, state
}

func writeWord(mem *ppcstate.Memory, addr, word uint32) {
	mem.Write32(addr, word)
}

const opSc = 0x44000002 // sc

// brWord encodes an unconditional b/bl at address with a relative,
// non-absolute displacement of disp bytes (must be a multiple of 4).
func brWord(link bool, disp int32) uint32 {
	li := uint32(disp) & 0x03FFFFFC
	word := uint32(18)<<26 | li
	if link {
		word |= 1
	}
	return word
}

func TestCompileIsIdempotentForTheSameBlock(t *testing.T) {
	tr, bc, arena, mem, _ := newRig(t, false)

	const start = 0x80003000
	writeWord(mem, start, opSc)

	first, err := tr.Compile(start)
	if err != nil {
		t.Fatalf("first Compile: %v", err)
	}
	firstBytes := append([]byte(nil), arena.Bytes()[first.NearBegin:first.NearEnd]...)

	bc.Clear(arena.Bytes())
	arena.Clear()

	second, err := tr.Compile(start)
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	secondBytes := arena.Bytes()[second.NearBegin:second.NearEnd]

	if string(firstBytes) != string(secondBytes) {
		t.Errorf("recompiling the same guest block produced different host bytecode")
	}
	if first.OriginalSize != second.OriginalSize {
		t.Errorf("OriginalSize = %d then %d, want equal across recompiles", first.OriginalSize, second.OriginalSize)
	}
}

func TestCompileLinksDirectExitToTargetsCheckedEntry(t *testing.T) {
	tr, bc, arena, mem, _ := newRig(t, false)

	const branchAt = 0x80003000
	const target = 0x80003100

	writeWord(mem, branchAt, brWord(false, target-branchAt))
	writeWord(mem, target, opSc)

	source, err := tr.Compile(branchAt)
	if err != nil {
		t.Fatalf("compiling the branching block: %v", err)
	}
	if len(source.Links) != 1 {
		t.Fatalf("Links = %d entries, want exactly 1", len(source.Links))
	}
	patchSite := uint32(source.Links[0].PatchSite)

	before := hostcode.Decode(arena.Bytes()[patchSite : patchSite+hostcode.InstrSize])
	if before.Op != hostcode.OpExitDispatcher || before.Imm != target {
		t.Fatalf("unlinked patch site = %+v, want OpExitDispatcher targeting 0x%08x", before, target)
	}
	if _, ok := bc.Lookup(target); ok {
		t.Fatalf("target block should not exist yet")
	}

	dest, err := tr.Compile(target)
	if err != nil {
		t.Fatalf("compiling the target block: %v", err)
	}

	after := hostcode.Decode(arena.Bytes()[patchSite : patchSite+hostcode.InstrSize])
	if after.Op != hostcode.OpJump {
		t.Fatalf("linked patch site op = %v, want OpJump", after.Op)
	}
	if after.Imm != uint32(dest.CheckedEntry) {
		t.Fatalf("linked patch site target = 0x%x, want checked entry 0x%x", after.Imm, uint32(dest.CheckedEntry))
	}
	if !source.Links[0].Linked {
		t.Errorf("LinkData.Linked = false after FinalizeBlock patched it")
	}

	// Linking must rewrite only the patch site, never the guest PC
	// operand before it. The exit sequence is OpSetPC{target},
	// OpDowncountBranch, then the patch site, so the OpSetPC two
	// instructions back must still carry the guest target address.
	setPCSite := patchSite - 2*hostcode.InstrSize
	setPC := hostcode.Decode(arena.Bytes()[setPCSite : setPCSite+hostcode.InstrSize])
	if setPC.Op != hostcode.OpSetPC || setPC.Imm != target {
		t.Fatalf("OpSetPC preceding the exit sequence = %+v, want OpSetPC targeting 0x%08x unmodified by linking", setPC, target)
	}
}

func TestCompileNeverLinksWhenBlockLinkingDisabled(t *testing.T) {
	tr, _, arena, mem, _ := newRig(t, true)

	const branchAt = 0x80003000
	const target = 0x80003100

	writeWord(mem, branchAt, brWord(false, target-branchAt))
	writeWord(mem, target, opSc)

	source, err := tr.Compile(branchAt)
	if err != nil {
		t.Fatalf("compiling the branching block: %v", err)
	}
	if _, err := tr.Compile(target); err != nil {
		t.Fatalf("compiling the target block: %v", err)
	}

	patchSite := uint32(source.Links[0].PatchSite)
	after := hostcode.Decode(arena.Bytes()[patchSite : patchSite+hostcode.InstrSize])
	if after.Op != hostcode.OpExitDispatcher {
		t.Errorf("patch site op = %v, want OpExitDispatcher: no_block_linking must never patch a direct jump", after.Op)
	}
}

func TestCompileSetsLRForBl(t *testing.T) {
	tr, _, arena, mem, _ := newRig(t, false)

	const branchAt = 0x80003000
	writeWord(mem, branchAt, brWord(true, 0x100))

	block, err := tr.Compile(branchAt)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	found := false
	for off := block.NearBegin; off+hostcode.InstrSize <= block.NearEnd; off += hostcode.InstrSize {
		instr := hostcode.Decode(arena.Bytes()[off : off+hostcode.InstrSize])
		if instr.Op == hostcode.OpSetLR {
			found = true
			if instr.Imm != branchAt+4 {
				t.Errorf("OpSetLR imm = 0x%x, want CIA+4 = 0x%x", instr.Imm, branchAt+4)
			}
		}
	}
	if !found {
		t.Errorf("bl did not emit OpSetLR anywhere in the block")
	}
}

// downcountFlushTotal sums every OpSubDowncount immediate a block emits
// (spec.md §4.3 step 8 flushes the accumulated per-instruction cost once
// per exit, so a block with no mid-block hook exit has exactly one).
func downcountFlushTotal(arena *codearena.Arena, block *blockcache.Block) uint32 {
	var total uint32
	for off := block.NearBegin; off+hostcode.InstrSize <= block.NearEnd; off += hostcode.InstrSize {
		instr := hostcode.Decode(arena.Bytes()[off : off+hostcode.InstrSize])
		if instr.Op == hostcode.OpSubDowncount {
			total += instr.Imm
		}
	}
	return total
}

// TestCompileDowncountIsMonotonicInBlockLength guards against a
// regression where downcount stops accumulating per instruction: a block
// with strictly more guest instructions must never charge less than a
// shorter one ending at the same kind of exit.
func TestCompileDowncountIsMonotonicInBlockLength(t *testing.T) {
	tr, _, arena, mem, _ := newRig(t, false)

	const shortStart = 0x80003000
	writeWord(mem, shortStart, opSc)

	const longStart = 0x80004000
	writeWord(mem, longStart, 0x38600001)   // li r3, 1
	writeWord(mem, longStart+4, 0x38630001) // addi r3, r3, 1
	writeWord(mem, longStart+8, 0x38630001) // addi r3, r3, 1
	writeWord(mem, longStart+12, opSc)

	shortBlock, err := tr.Compile(shortStart)
	if err != nil {
		t.Fatalf("compiling the short block: %v", err)
	}
	longBlock, err := tr.Compile(longStart)
	if err != nil {
		t.Fatalf("compiling the long block: %v", err)
	}

	shortTotal := downcountFlushTotal(arena, shortBlock)
	longTotal := downcountFlushTotal(arena, longBlock)
	if longTotal < shortTotal {
		t.Errorf("downcount charged for a 4-instruction block (%d) is less than a 1-instruction block (%d)", longTotal, shortTotal)
	}
}

func TestCompileFatalAfterClearAndRetryStillExhausted(t *testing.T) {
	arena := codearena.NewHeap(codearena.Sizes{
		CodeSize: 4 * hostcode.InstrSize, RoutinesSize: 64,
		TrampolinesSize: 64, FarCodeSize: 64, ConstPoolSize: 64,
	})
	t.Cleanup(func() { arena.Close() })

	mem := ppcstate.NewMemory(discardSink{}, 0xCC008000)
	state := ppcstate.New()
	bc := blockcache.New(false)
	fastmem := hostcode.NewFastMemWindow()
	guard := codearena.NewHeapExecStack()
	backpatch := faulthandler.New(arena, guard, bc)
	tr := translator.New(arena, bc, mem, state, fastmem, backpatch, guard, nil, nil, translator.Config{})

	const start = 0x80003000
	for i := uint32(0); i < 64; i++ {
		writeWord(mem, start+i*4, 0x38600001) // li r3, 1 (never ends the block on its own)
	}

	_, err := tr.Compile(start)
	if err == nil {
		t.Fatalf("Compile with a code region far too small to hold the block: want ErrFatal, got nil")
	}
}
