package blockcache_test

import (
	"testing"

	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/hostcode"
)

func encodeAt(arena []byte, site uint32, instr hostcode.Instr) {
	hostcode.Encode(arena[site:site+hostcode.InstrSize], instr)
}

func decodeAt(arena []byte, site uint32) hostcode.Instr {
	return hostcode.Decode(arena[site : site+hostcode.InstrSize])
}

const patchSite = 40

// linkedRig builds a source block with one unresolved link at patchSite
// targeting targetPC, and returns it alongside a fresh cache and a
// backing arena big enough for the patch site.
func linkedRig(targetPC uint32) (*blockcache.Cache, *blockcache.Block, []byte) {
	arena := make([]byte, 256)
	encodeAt(arena, patchSite, hostcode.Instr{Op: hostcode.OpExitDispatcher, Imm: targetPC})

	bc := blockcache.New(false)
	source := bc.AllocateBlock(0x80001000)
	source.Links = append(source.Links, blockcache.LinkData{
		ExitAddress: targetPC,
		PatchSite:   hostcode.CodePtr(patchSite),
	})
	bc.FinalizeBlock(source, []uint32{0x80001000 & ^uint32(0xFFF)}, arena)
	return bc, source, arena
}

func TestFinalizeBlockPatchesUnresolvedLinkOnceTargetExists(t *testing.T) {
	const targetPC = 0x80002000
	bc, source, arena := linkedRig(targetPC)

	before := decodeAt(arena, patchSite)
	if before.Op != hostcode.OpExitDispatcher || before.Imm != targetPC {
		t.Fatalf("patch site before the target compiles = %+v, want OpExitDispatcher targeting 0x%x", before, targetPC)
	}

	target := bc.AllocateBlock(targetPC)
	target.CheckedEntry = 500
	bc.FinalizeBlock(target, []uint32{targetPC & ^uint32(0xFFF)}, arena)

	after := decodeAt(arena, patchSite)
	if after.Op != hostcode.OpJump {
		t.Errorf("patch site op after linking = %v, want OpJump", after.Op)
	}
	if after.Imm != uint32(target.CheckedEntry) {
		t.Errorf("patch site target after linking = %d, want checked entry %d", after.Imm, uint32(target.CheckedEntry))
	}
	if !source.Links[0].Linked {
		t.Errorf("source.Links[0].Linked = false, want true after FinalizeBlock patched it")
	}
}

func TestFinalizeBlockNeverPatchesWhenLinkingDisabled(t *testing.T) {
	const targetPC = 0x80002000
	arena := make([]byte, 256)
	encodeAt(arena, patchSite, hostcode.Instr{Op: hostcode.OpExitDispatcher, Imm: targetPC})

	bc := blockcache.New(true) // no_block_linking
	source := bc.AllocateBlock(0x80001000)
	source.Links = append(source.Links, blockcache.LinkData{ExitAddress: targetPC, PatchSite: hostcode.CodePtr(patchSite)})
	bc.FinalizeBlock(source, []uint32{0x80001000 & ^uint32(0xFFF)}, arena)

	target := bc.AllocateBlock(targetPC)
	target.CheckedEntry = 500
	bc.FinalizeBlock(target, []uint32{targetPC & ^uint32(0xFFF)}, arena)

	after := decodeAt(arena, patchSite)
	if after.Op != hostcode.OpExitDispatcher {
		t.Errorf("patch site op = %v, want OpExitDispatcher: no_block_linking must never patch a direct jump", after.Op)
	}
	if source.Links[0].Linked {
		t.Errorf("source.Links[0].Linked = true, want false: no_block_linking must never mark a link resolved")
	}
}

func TestInvalidateICacheUnlinksAndRestoresGuestExitAddress(t *testing.T) {
	const targetPC = 0x80002000
	bc, source, arena := linkedRig(targetPC)

	target := bc.AllocateBlock(targetPC)
	target.CheckedEntry = 500
	target.NearBegin, target.NearEnd = 500, 600
	bc.FinalizeBlock(target, []uint32{targetPC & ^uint32(0xFFF)}, arena)

	if decodeAt(arena, patchSite).Op != hostcode.OpJump {
		t.Fatalf("setup failed: patch site was not linked before invalidation")
	}

	bc.InvalidateICache(targetPC, targetPC+4, false, arena)

	if _, ok := bc.Lookup(targetPC); ok {
		t.Errorf("Lookup(targetPC) succeeded after invalidation")
	}
	if _, ok := bc.Lookup(source.PhysicalStart); !ok {
		t.Errorf("the source block itself must remain valid: only the touched block was invalidated")
	}

	after := decodeAt(arena, patchSite)
	if after.Op != hostcode.OpExitDispatcher {
		t.Fatalf("patch site op after invalidation = %v, want OpExitDispatcher (unlinked)", after.Op)
	}
	if after.Imm != targetPC {
		t.Errorf("patch site operand after invalidation = 0x%x, want the original guest exit address 0x%x, not a stale host offset", after.Imm, targetPC)
	}
	if source.Links[0].Linked {
		t.Errorf("source.Links[0].Linked = true, want false after the target was invalidated")
	}

	near, _ := bc.DrainFreedRanges()
	if len(near) != 1 || near[0].From != 500 || near[0].To != 600 {
		t.Errorf("DrainFreedRanges near = %+v, want a single {500,600} range from the invalidated target", near)
	}
}

func TestDrainFreedRangesEmptiesTheQueueExactlyOnce(t *testing.T) {
	const targetPC = 0x80002000
	bc, _, arena := linkedRig(targetPC)
	target := bc.AllocateBlock(targetPC)
	target.NearBegin, target.NearEnd = 10, 20
	bc.FinalizeBlock(target, []uint32{targetPC & ^uint32(0xFFF)}, arena)

	bc.InvalidateICache(targetPC, targetPC+4, false, arena)

	near, _ := bc.DrainFreedRanges()
	if len(near) == 0 {
		t.Fatalf("first drain returned nothing, want the range freed by invalidation")
	}
	near2, far2 := bc.DrainFreedRanges()
	if len(near2) != 0 || len(far2) != 0 {
		t.Errorf("second drain returned %d/%d ranges, want an empty queue once already drained", len(near2), len(far2))
	}
}

func TestClearInvalidatesEveryBlock(t *testing.T) {
	arena := make([]byte, 256)
	bc := blockcache.New(false)

	a := bc.AllocateBlock(0x80001000)
	bc.FinalizeBlock(a, []uint32{0x80001000 & ^uint32(0xFFF)}, arena)
	b := bc.AllocateBlock(0x80002000)
	bc.FinalizeBlock(b, []uint32{0x80002000 & ^uint32(0xFFF)}, arena)

	if bc.Len() != 2 {
		t.Fatalf("Len() = %d before Clear, want 2", bc.Len())
	}

	bc.Clear(arena)

	if bc.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", bc.Len())
	}
	if _, ok := bc.Lookup(0x80001000); ok {
		t.Errorf("Lookup(0x80001000) succeeded after Clear")
	}
	if _, ok := bc.Lookup(0x80002000); ok {
		t.Errorf("Lookup(0x80002000) succeeded after Clear")
	}
}

// TestInvalidateICacheIsPageGranular confirms a range invalidation only
// touches blocks whose recorded footprint intersects the touched pages,
// leaving an unrelated block on a different page untouched.
func TestInvalidateICacheIsPageGranular(t *testing.T) {
	arena := make([]byte, 256)
	bc := blockcache.New(false)

	near := bc.AllocateBlock(0x80001000)
	bc.FinalizeBlock(near, []uint32{0x80001000 & ^uint32(0xFFF)}, arena)
	far := bc.AllocateBlock(0x80100000)
	bc.FinalizeBlock(far, []uint32{0x80100000 & ^uint32(0xFFF)}, arena)

	bc.InvalidateICache(0x80001000, 0x80001004, false, arena)

	if _, ok := bc.Lookup(0x80001000); ok {
		t.Errorf("touched block still present after invalidation")
	}
	if _, ok := bc.Lookup(0x80100000); !ok {
		t.Errorf("untouched block on a different page was invalidated by an unrelated range")
	}
}
