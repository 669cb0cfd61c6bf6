// translator.go - the translator (TR), spec.md §4.3
//
// License: GPLv3 or later

// Package translator implements block compilation: given a guest PC, it
// analyzes a straight-line region of guest instructions, allocates a
// block in the code-region allocator, emits host bytecode for each guest
// instruction (with an interpreter-call fallback), registers exit stubs
// for block linking, and finalizes the block in the block cache.
package translator

import (
	"errors"
	"fmt"

	"github.com/kestrelemu/broadwayjit/analyzer"
	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/codearena"
	"github.com/kestrelemu/broadwayjit/faulthandler"
	"github.com/kestrelemu/broadwayjit/hostcode"
	"github.com/kestrelemu/broadwayjit/ppcstate"
)

// HookKind mirrors spec.md §6's HLE hook kinds.
type HookKind int

const (
	HookNone HookKind = iota
	HookStart
	HookReplace
)

// HookProvider is implemented by package hlehooks.
type HookProvider interface {
	ReplaceFunctionIfPossible(pc uint32) (hookIndex uint32, kind HookKind, ok bool)
}

// Breakpoints is implemented by a debugger front end; nil disables the
// breakpoint-check emission entirely.
type Breakpoints interface {
	At(pc uint32) bool
}

// MaxInstructionsPerBlock caps how far the analyzer will run before
// forcing a break, spec.md §4.3 step 1's "max_instructions" bound.
const MaxInstructionsPerBlock = 512

// ErrFatal is returned when CRA space exhaustion survives a clear-and-retry,
// spec.md §7's "on second failure, fatal" path made non-fatal for a library
// (callers decide how to surface it; the dispatcher treats it as fatal).
var ErrFatal = errors.New("translator: code space exhausted after clear-and-retry")

// Config bundles the tunables spec.md threads through the translator.
// The speculation blacklists are kept on Translator itself.
type Config struct {
	NoBlockCache      bool
	NoBlockLinking    bool
	EnableProfiling   bool
	MMUChecksEnabled  bool
	GatherPipeBase    uint32
	SpeedHackCycles   uint32
}

// Translator owns everything needed to compile guest PCs into blocks.
type Translator struct {
	arena     *codearena.Arena
	bc        *blockcache.Cache
	mem       *ppcstate.Memory
	state     *ppcstate.State
	fastmem   *hostcode.FastMemWindow
	backpatch *faulthandler.Handler
	hooks     HookProvider
	bp        Breakpoints
	cfg       Config

	// guard is the dedicated BLR-hint guard stack (spec.md §4.4). It may
	// be nil, in which case BL always pushes a return-address hint and no
	// guard-based recovery is possible — the minimal configuration used
	// by tests that never overflow it.
	guard *codearena.ExecStack

	gqrNoSpeculate   map[uint32]bool // block start PCs where GQR speculation previously bailed
	constNoSpeculate map[uint32]bool
}

// New constructs a Translator. state is read (never written) at compile
// time to seed speculative GQR and constant-input guards with the CPU's
// actual current values, the same way spec.md's translator compiles "in
// the context of" the running register file rather than blind to it.
func New(arena *codearena.Arena, bc *blockcache.Cache, mem *ppcstate.Memory, state *ppcstate.State, fastmem *hostcode.FastMemWindow, backpatch *faulthandler.Handler, guard *codearena.ExecStack, hooks HookProvider, bp Breakpoints, cfg Config) *Translator {
	return &Translator{
		arena: arena, bc: bc, mem: mem, state: state, fastmem: fastmem, backpatch: backpatch,
		guard: guard, hooks: hooks, bp: bp, cfg: cfg,
		gqrNoSpeculate:   make(map[uint32]bool),
		constNoSpeculate: make(map[uint32]bool),
	}
}

// ArenaBytes exposes the underlying code arena's backing store so a
// dispatcher can pass it straight to hostcode.Exec.
func (t *Translator) ArenaBytes() []byte { return t.arena.Bytes() }

// Compile implements spec.md §4.3 steps 1-9. On CRA space exhaustion it
// performs exactly one full clear and retry before returning ErrFatal.
func (t *Translator) Compile(pc uint32) (*blockcache.Block, error) {
	if t.guard != nil {
		// spec.md §4.4: "on the next translator entry the stack guard is
		// reinstated" after a prior BLR-overflow fault unprotected it.
		_ = t.guard.Reguard()
	}

	block, err := t.compileOnce(pc)
	if err == nil {
		return block, nil
	}
	if !errors.Is(err, codearena.ErrNoSpace) {
		return nil, err
	}

	t.arena.Clear()
	t.bc.Clear(t.arena.Bytes())

	block, err = t.compileOnce(pc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return block, nil
}

// compileOnce runs the analyze/emit/finalize pipeline once, with no retry
// of its own.
func (t *Translator) compileOnce(pc uint32) (*blockcache.Block, error) {
	// Step 3: drain pending frees before emit.
	near, far := t.bc.DrainFreedRanges()
	for _, r := range near {
		t.arena.Insert(codearena.RegionNear, r.From, r.To)
	}
	for _, r := range far {
		t.arena.Insert(codearena.RegionFar, r.From, r.To)
	}

	if t.cfg.NoBlockCache {
		t.arena.Clear()
		t.bc.Clear(t.arena.Bytes())
	}

	// Step 1: analyze.
	nextPC, cb := analyzer.Analyze(pc, MaxInstructionsPerBlock, t.mem.FetchInstruction)
	if cb.MemoryException {
		return nil, fmt.Errorf("translator: analysis ISI at 0x%08x", pc)
	}

	// Step 2: find free code space (near and far) and position each
	// emitter inside the largest hole found, spec.md §4.1's
	// largest_free -> set_emit_pointer; NoSpace bubbles up for the
	// caller's single clear-and-retry.
	nearFree, ok := t.arena.Largest(codearena.RegionNear)
	if !ok {
		return nil, codearena.ErrNoSpace
	}
	farFree, ok := t.arena.Largest(codearena.RegionFar)
	if !ok {
		return nil, codearena.ErrNoSpace
	}
	t.arena.SetEmitPointer(codearena.RegionNear, nearFree.From, nearFree.To)
	t.arena.SetEmitPointer(codearena.RegionFar, farFree.From, farFree.To)

	block := t.bc.AllocateBlock(pc)
	jit := newCompileState(pc)

	near_em := hostcode.NewEmitter(t.arena, codearena.RegionNear)
	far_em := hostcode.NewEmitter(t.arena, codearena.RegionFar)

	// Step 4: emit prologue.
	near_em.Align4()
	entry := near_em.Here()
	block.CheckedEntry = entry
	block.NormalEntry = entry
	if t.cfg.EnableProfiling {
		block.Profile = &blockcache.ProfileData{}
		near_em.Emit(hostcode.Instr{Op: hostcode.OpCallHook, Imm: profileHookRunCount})
	}

	// Steps 5-6: speculative GQR and constant-input specialization.
	t.emitGQRSpeculation(near_em, far_em, cb, jit)
	t.emitConstantInputSpeculation(near_em, far_em, cb, jit)

	// Step 7: once-per-block gather-pipe/external-interrupt guard, then the
	// per-instruction emit loop.
	t.emitGatherPipeAndInterruptCheck(near_em, cb, jit)

	for i := range cb.Ops {
		op := &cb.Ops[i]
		jit.compilerPC = op.Address
		jit.isLastInstruction = i == len(cb.Ops)-1
		jit.downcountAmount += int32(op.Cycles + t.cfg.SpeedHackCycles)

		if hook, kind, ok := t.hookFor(op.Address); ok {
			near_em.Emit(hostcode.Instr{Op: hostcode.OpCallHook, Imm: hook})
			if kind == HookReplace {
				t.flushDowncount(near_em, jit)
				t.emitBlockExit(near_em, block, hostcode.OpExitDispatcher, op.Address+4, false)
				break
			}
			continue
		}

		t.emitBreakpointCheck(near_em, block, op, jit)
		t.emitFPUnavailableCheck(near_em, op, jit)
		t.emitOne(near_em, far_em, block, op, jit)

		jit.gpr.DiscardDead(cb.GPRInputs) // conservative: keep only block-wide live-ins bound
	}

	if cb.Broken {
		t.flushDowncount(near_em, jit)
		t.emitBlockExit(near_em, block, hostcode.OpExitDirect, nextPC, false)
	}

	if near_em.Overflowed() || far_em.Overflowed() {
		near_em.Discard()
		far_em.Discard()
		return nil, codearena.ErrNoSpace
	}

	block.OriginalSize = cb.NumInstructions
	nearFrom, nearTo := near_em.Finish()
	farFrom, farTo := far_em.Finish()
	block.NearBegin, block.NearEnd = nearFrom, nearTo
	block.FarBegin, block.FarEnd = farFrom, farTo
	block.CodeSize = (nearTo - nearFrom) + (farTo - farFrom)

	var pages []uint32
	for p := range cb.PhysicalAddresses {
		pages = append(pages, p)
	}
	t.bc.FinalizeBlock(block, pages, t.arena.Bytes())

	return block, nil
}

func (t *Translator) hookFor(pc uint32) (uint32, HookKind, bool) {
	if t.hooks == nil {
		return 0, HookNone, false
	}
	idx, kind, ok := t.hooks.ReplaceFunctionIfPossible(pc)
	return idx, kind, ok && kind != HookNone
}

// profileHookRunCount is the hook index the profiling preamble's
// OpCallHook carries. Neither the dispatcher nor hostcode.Exec treats it
// specially: the call runs only a HookFunc registered under this index in
// ExecContext.Hooks, and nothing updates the block's ProfileData.
const profileHookRunCount = ^uint32(0)
