// emitter.go - writes host bytecode into a codearena region
//
// License: GPLv3 or later

package hostcode

import "github.com/kestrelemu/broadwayjit/codearena"

// CodePtr is a host code pointer: a byte offset into the arena's backing
// store. checked_entry, normal_entry, and every LinkData.PatchSite in
// spec.md §3 are CodePtr values.
type CodePtr uint32

// Emitter appends instructions to one region of an arena starting at its
// current emit pointer, tracking the begin offset so callers can compute
// the [begin,end) range CRA.Erase needs. It never writes past the emit
// bound codearena.Arena.SetEmitPointer established (spec.md §4.1's
// largest_free -> set_emit_pointer step): once that hole fills up, Emit
// stops advancing and Overflowed reports it so the caller can fall back
// to codearena.ErrNoSpace instead of corrupting the next region over.
type Emitter struct {
	arena    *codearena.Arena
	region   codearena.Region
	begin    uint32
	overflow bool
}

// NewEmitter starts emitting into region at its current emit pointer.
func NewEmitter(arena *codearena.Arena, region codearena.Region) *Emitter {
	return &Emitter{arena: arena, region: region, begin: arena.EmitPointer(region)}
}

// Begin returns the offset emission started at.
func (e *Emitter) Begin() CodePtr { return CodePtr(e.begin) }

// Here returns the current emit offset (the next instruction's address).
func (e *Emitter) Here() CodePtr { return CodePtr(e.arena.EmitPointer(e.region)) }

// Align4 pads the emit pointer up to a 4-instruction boundary with NOPs,
// mirroring spec.md §4.3 step 4's "align entry to 4 bytes" (here: to 4
// instructions, since InstrSize instructions are the atomic unit). The
// boundary is measured from the region's base, since every emit pointer
// in a region differs from that base by a whole number of instructions.
func (e *Emitter) Align4() {
	base, _ := e.arena.Bounds(e.region)
	for !e.overflow && (e.arena.EmitPointer(e.region)-base)%uint32(4*InstrSize) != 0 {
		e.Emit(Instr{Op: OpNop})
	}
}

// Emit appends one instruction and returns the offset it was written at
// (its patch site, if it is later linked). Once the region's emit bound
// is reached, Emit stops writing and only sets Overflowed; the caller
// discovers this once, via Overflowed, rather than every instruction.
func (e *Emitter) Emit(instr Instr) CodePtr {
	at := e.arena.EmitPointer(e.region)
	if e.overflow || at+InstrSize > e.arena.EmitEnd(e.region) {
		e.overflow = true
		return CodePtr(at)
	}
	buf := e.arena.Bytes()
	Encode(buf[at:at+InstrSize], instr)
	e.arena.AdvanceEmitPointer(e.region, InstrSize)
	return CodePtr(at)
}

// Overflowed reports whether an Emit call ran past the region's current
// emit bound. The translator checks this after compiling a block and
// treats it exactly like codearena.ErrNoSpace: discard and clear-and-retry.
func (e *Emitter) Overflowed() bool { return e.overflow }

// PatchLocal rewrites the branch-target operand of an instruction already
// emitted by this same Emitter, e.g. a skip-on-mismatch check whose
// forward target is only known once the sequence it skips has been
// emitted. Unlike a cross-block link, this never survives block
// invalidation as a LinkData entry: it is resolved before Finish.
func (e *Emitter) PatchLocal(site CodePtr, target uint32) {
	PatchTarget(e.arena.Bytes(), uint32(site), target)
}

// Finish returns the [begin,end) range this emitter wrote and commits it
// to the region's free set via Erase. Call once per block per region.
func (e *Emitter) Finish() (from, to uint32) {
	from, to = e.begin, e.arena.EmitPointer(e.region)
	e.arena.Erase(e.region, from, to)
	return from, to
}

// Discard abandons everything emitted since NewEmitter without touching
// the free set (used when a block compile fails mid-emit and the caller
// will clear-and-retry rather than commit a partial block). It preserves
// the region's current emit bound rather than clearing it, since that
// bound belongs to whichever free hole SetEmitPointer last selected.
func (e *Emitter) Discard() {
	e.arena.SetEmitPointer(e.region, e.begin, e.arena.EmitEnd(e.region))
}
