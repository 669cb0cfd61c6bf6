// dispatch.go - the CPU-thread dispatcher, spec.md §4.6
//
// License: GPLv3 or later

// Package dispatch implements the CPU thread's core loop: given the guest
// PC in ppcstate.State, find or compile a block, run it through the host
// bytecode interpreter, and route its exit back into either another block
// or the compiler (spec.md §2 item 4's five named trampolines: EnterCode,
// Dispatch, DispatchNoCheck, DispatchNoTimingCheck,
// DispatchMispredictedBLR).
package dispatch

import (
	"fmt"

	"github.com/kestrelemu/broadwayjit/blockcache"
	"github.com/kestrelemu/broadwayjit/hostcode"
	"github.com/kestrelemu/broadwayjit/ppcstate"
	"github.com/kestrelemu/broadwayjit/translator"
)

// TimingFunc runs the scheduler's do_timing step: advances hardware timers
// by whatever the CPU has consumed since the last check and refills
// State.Downcount, spec.md §4.6's DoTiming.
type TimingFunc func(s *ppcstate.State)

// action names which of the five named trampolines the run loop should
// take next. It exists so EnterCode can express spec.md's mutual-jump
// control flow as a plain loop instead of unbounded Go call recursion
// between the Dispatch* methods.
type action int

const (
	actDispatch action = iota
	actDispatchNoCheck
	actMispredictedBLR
	actDoTiming
	actStop
)

// Dispatcher owns the pieces the CPU thread's run loop touches every
// iteration: guest state, the block cache, the compiler, and the bytecode
// interpreter context.
type Dispatcher struct {
	state  *ppcstate.State
	bc     *blockcache.Cache
	tr     *translator.Translator
	timing TimingFunc

	ctx *hostcode.ExecContext

	running bool
}

// New wires a dispatcher over an already-constructed translator and
// interpreter context.
func New(state *ppcstate.State, bc *blockcache.Cache, tr *translator.Translator, ctx *hostcode.ExecContext, timing TimingFunc) *Dispatcher {
	return &Dispatcher{state: state, bc: bc, tr: tr, ctx: ctx, timing: timing}
}

// EnterCode is the CPU thread's outermost entry point, spec.md §2 item 4:
// it runs the dispatch loop until Stop is called (e.g. by an unhandled
// exception or a debugger breakpoint). Unlike a real backend's tail-jumped
// trampolines, this loop is iterative rather than recursive so long guest
// run times never grow the Go call stack.
func (d *Dispatcher) EnterCode() {
	d.running = true
	act := actDispatch
	for d.running {
		act = d.step(act)
	}
}

// Stop ends EnterCode's loop after the current step completes.
func (d *Dispatcher) Stop() { d.running = false }

// Dispatch is the checked entry point: look up state.PC, compiling on a
// miss, and run its checked entry. Exposed standalone (in addition to
// EnterCode's internal loop) so callers can single-step the CPU thread,
// e.g. from a debugger or a test.
func (d *Dispatcher) Dispatch() { d.oneShot(actDispatch) }

// DispatchNoCheck skips the breakpoint/linking-eligibility recheck a fresh
// Dispatch would otherwise redo and runs the block's normal entry
// (spec.md §4.6).
func (d *Dispatcher) DispatchNoCheck() { d.oneShot(actDispatchNoCheck) }

// DispatchNoTimingCheck resumes execution without re-running do_timing,
// spec.md §4.6's exit path for a block that voluntarily yielded control
// mid-block (e.g. after an HLE hook) rather than because its downcount
// expired. It is identical to DispatchNoCheck at the entry-point level; the
// distinction spec.md draws is which trampoline the exit stub jumps to, not
// a different lookup.
func (d *Dispatcher) DispatchNoTimingCheck() { d.oneShot(actDispatchNoCheck) }

// DispatchMispredictedBLR is entered when the bytecode interpreter's
// OpPopRACompare finds the predicted return address does not match LR
// (spec.md §4.4): it falls back to a normal checked dispatch at the real
// return address in LR.
func (d *Dispatcher) DispatchMispredictedBLR() { d.oneShot(actMispredictedBLR) }

// DoTiming refills Downcount via the configured TimingFunc and re-enters
// dispatch, spec.md §4.6's do_timing.
func (d *Dispatcher) DoTiming() { d.oneShot(actDoTiming) }

// oneShot runs a single named trampoline outside of EnterCode's loop,
// following at most one further hop if that trampoline's own exit chains
// immediately (e.g. do_timing always falls into DispatchNoCheck).
func (d *Dispatcher) oneShot(start action) {
	next := d.step(start)
	if next != actStop {
		d.step(next)
	}
}

func (d *Dispatcher) lookupOrCompile(pc uint32) (*blockcache.Block, error) {
	if b, ok := d.bc.Lookup(pc); ok {
		return b, nil
	}
	return d.tr.Compile(pc)
}

// step performs one named trampoline and returns the next one to run,
// spec.md §4.3 step 8's exit-stub taxonomy realized as Go control flow.
func (d *Dispatcher) step(act action) action {
	switch act {
	case actDispatch:
		block, err := d.lookupOrCompile(d.state.PC)
		if err != nil {
			return d.fatal(err)
		}
		return d.run(block, block.CheckedEntry)

	case actDispatchNoCheck:
		block, err := d.lookupOrCompile(d.state.PC)
		if err != nil {
			return d.fatal(err)
		}
		return d.run(block, block.NormalEntry)

	case actMispredictedBLR:
		d.state.PC = d.state.LR
		return actDispatch

	case actDoTiming:
		if d.timing != nil {
			d.timing(d.state)
		}
		return actDispatchNoCheck
	}
	return actStop
}

// run executes one block from entry and translates its Result into the
// next action.
func (d *Dispatcher) run(block *blockcache.Block, entry hostcode.CodePtr) action {
	result := hostcode.Exec(d.ctx, d.tr.ArenaBytes(), uint32(entry))
	switch result.Kind {
	case hostcode.ExitNormal:
		d.state.PC = result.PC
		return actDispatchNoCheck
	case hostcode.ExitDoTiming:
		// OpDowncountBranch already carried the exit's real target in
		// State.PC before deciding downcount had run out, so this is the
		// PC DispatchNoCheck resumes at once do_timing refills Downcount.
		d.state.PC = result.PC
		return actDoTiming
	case hostcode.ExitDispatcher:
		d.state.PC = result.PC
		return actDispatch
	case hostcode.ExitMispredictedBLR:
		return actMispredictedBLR
	case hostcode.ExitException:
		// No exception-vector dispatch is modeled (spec.md's exception
		// ordering is a Non-goal); the CPU thread halts with PC left at the
		// vector address a real handler would have been entered at.
		d.state.PC = result.PC
		d.running = false
		return actStop
	case hostcode.ExitBreakpoint:
		d.state.PC = result.PC
		d.running = false
		return actStop
	}
	return actStop
}

func (d *Dispatcher) fatal(err error) action {
	if err != nil {
		fmt.Printf("dispatch: %v\n", err)
	}
	d.running = false
	return actStop
}
