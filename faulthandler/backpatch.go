// backpatch.go - fastmem fault recovery via backpatching (spec.md §4.5, §6)
//
// License: GPLv3 or later

// Package faulthandler implements handle_fault, spec.md §6's single entry
// point from the host fault path: "handle_fault(access_address, context)
// -> bool". Because this module's host backend is a portable bytecode
// interpreter (see SPEC_FULL.md §0) rather than raw machine code running
// under a real SIGSEGV handler, Handle is invoked directly by
// hostcode.Exec at the exact point a real fault handler would fire; the
// backpatching algorithm itself — trampoline emission, in-place opcode
// rewrite, idempotence on retry — is unchanged.
package faulthandler

import (
	"sync"

	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/codearena"
	"github.com/kestrelemu/broadwayjit/hostcode"
)

// TrampolineInfo is the per-backpatch-site record spec.md §3 names,
// created at emit time for every fast-memory access.
type TrampolineInfo struct {
	Start                     uint32 // faulting instruction's byte offset
	Len                       uint32 // length of the original access (InstrSize here)
	PC                        uint32 // guest PC of the access
	AccessSize                uint32 // 1/2/4/8 bytes
	OpRegOperand              uint32 // register operand touched
	Offset                    uint32 // displacement folded into the address
	OffsetAddedToAddress      bool
	NonAtomicSwapStoreSrc     bool
}

// Handler owns the trampoline cache region and the backpatch-site table,
// and implements hostcode.Backpatcher.
type Handler struct {
	mu     sync.Mutex
	arena  *codearena.Arena
	sites  map[uint32]*TrampolineInfo   // faultSite -> info, registered at emit time
	patched map[uint32]uint32           // faultSite -> trampoline CodePtr, once backpatched

	// guard and bc are optional: nil in configurations that never emit
	// OpPushRA (spec.md §4.4's BLR optimization disabled or unused).
	guard *codearena.ExecStack
	bc    *blockcache.Cache
}

// New creates a fault handler bound to the arena's trampoline region.
// guard is the BLR guard stack OpPushRA reports overflow against and bc
// is the block cache to clear once that optimization is disabled for
// good; both may be nil where the BLR fast path is not wired in at all.
func New(arena *codearena.Arena, guard *codearena.ExecStack, bc *blockcache.Cache) *Handler {
	return &Handler{
		arena:   arena,
		guard:   guard,
		bc:      bc,
		sites:   make(map[uint32]*TrampolineInfo),
		patched: make(map[uint32]uint32),
	}
}

// Register records a TrampolineInfo for a fastmem emit site, called by the
// translator immediately after emitting OpFastLoadWord/OpFastStoreWord.
//
// info may be nil: spec.md §9 documents that fastmem_load_store paired
// with a null fixup_exception_handler means "no fastmem site to
// register", not a bug, and callers may pass nil to record that a slot
// was considered but intentionally not wired (e.g. an access proven safe
// at compile time). Handle simply has nothing to look up for that site.
func (h *Handler) Register(faultSite uint32, info *TrampolineInfo) {
	if info == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sites[faultSite] = info
}

// Handle implements hostcode.Backpatcher. It looks up the backpatch info
// for the faulting site; on the first fault it emits a slow-path
// trampoline and rewrites the original instruction to jump straight to
// it (spec.md §4.5 steps 2-3); on any subsequent fault at the same site
// it is idempotent — the site is already patched, so it simply resolves
// via the slow path again.
func (h *Handler) Handle(ctx *hostcode.ExecContext, code []byte, faultSite uint32, accessAddr uint32, instr hostcode.Instr) (recovered bool, resumeOffset uint32) {
	if instr.Op == hostcode.OpPushRA {
		return h.handleStackGuardFault(faultSite)
	}

	h.mu.Lock()
	info, known := h.sites[faultSite]
	h.mu.Unlock()
	if !known {
		return false, 0
	}

	h.mu.Lock()
	trampoline, already := h.patched[faultSite]
	if !already {
		trampoline = uint32(h.emitTrampoline(faultSite, instr))
		h.patched[faultSite] = trampoline
		hostcode.PatchOp(code, faultSite, hostcode.OpJump)
		hostcode.PatchTarget(code, faultSite, trampoline)
	}
	h.mu.Unlock()

	h.runSlowPath(ctx, info, accessAddr, instr)
	return true, faultSite + hostcode.InstrSize
}

// handleStackGuardFault implements spec.md §4.4's BLR-stack-overflow
// recovery: OpPushRA has just reported that the guard stack's trigger
// offset was crossed. InTriggerRange confirms the address Push refused
// before treating this the way a real SIGSEGV handler would distinguish
// the BLR trigger guard from any other fault, then the optimization is
// disabled for the process and every block that might still hold a
// stale hint or a link into a soon-to-be-reclaimed block is torn out.
// Returning true lets execution resume immediately after the failed
// push; OpPopRACompare's next mismatch simply falls back to a normal
// dispatch, which is always correct even with a stale hint.
func (h *Handler) handleStackGuardFault(faultSite uint32) (recovered bool, resumeOffset uint32) {
	if h.guard != nil && h.guard.InTriggerRange(h.guard.FaultAddr()) {
		h.guard.DisableBLROptimization()
		_ = h.guard.UnprotectGuard()
	}
	if h.bc != nil {
		h.bc.Clear(h.arena.Bytes())
	}
	return true, faultSite + hostcode.InstrSize
}

// emitTrampoline writes the slow-path access into the trampoline region:
// a plain (bounds-checked) memory op that does not consult the fastmem
// window, so it can never re-fault on the same page. It returns the
// trampoline's entry offset.
func (h *Handler) emitTrampoline(faultSite uint32, instr hostcode.Instr) hostcode.CodePtr {
	em := hostcode.NewEmitter(h.arena, codearena.RegionTrampolines)
	entry := em.Begin()
	if instr.Op == hostcode.OpFastLoadWord {
		em.Emit(hostcode.Instr{Op: hostcode.OpLoadWord, Rd: instr.Rd, Ra: instr.Ra, Imm: instr.Imm})
	} else {
		em.Emit(hostcode.Instr{Op: hostcode.OpStoreWord, Rd: instr.Rd, Ra: instr.Ra, Imm: instr.Imm})
	}
	em.Emit(hostcode.Instr{Op: hostcode.OpJump, Imm: faultSite + hostcode.InstrSize})
	em.Finish()
	return entry
}

// runSlowPath performs the access immediately (in addition to installing
// the trampoline for future dispatches) so the faulting execution itself
// completes correctly rather than only future ones.
func (h *Handler) runSlowPath(ctx *hostcode.ExecContext, info *TrampolineInfo, accessAddr uint32, instr hostcode.Instr) {
	switch instr.Op {
	case hostcode.OpFastLoadWord:
		ctx.State.GPR[instr.Rd] = ctx.Mem.Read32(accessAddr)
	case hostcode.OpFastStoreWord:
		ctx.Mem.Write32(accessAddr, ctx.State.GPR[instr.Ra])
	}
	_ = info
}

// IsBackpatched reports whether faultSite has already been rewritten,
// used by tests to check backpatch idempotence (spec.md §8).
func (h *Handler) IsBackpatched(faultSite uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.patched[faultSite]
	return ok
}
