// hooks.go - HLE function-replacement hooks, spec.md §6 "replace_function_if_possible"
//
// License: GPLv3 or later

// Package hlehooks implements high-level-emulation function hooks: a table
// of guest addresses the translator should either instrument (HookStart) or
// entirely replace (HookReplace) with a scripted host routine, avoiding the
// cost of translating and running guest code for well-known library
// functions. Hook bodies are small Lua scripts, evaluated with
// github.com/yuin/gopher-lua, so hooks can be added or edited without
// recompiling the module.
package hlehooks

import (
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/kestrelemu/broadwayjit/hostcode"
	"github.com/kestrelemu/broadwayjit/ppcstate"
	"github.com/kestrelemu/broadwayjit/translator"
)

// Hook is one entry in the table: the guest address it fires at, whether it
// merely observes (HookStart) or fully replaces (HookReplace) the guest
// function, and the Lua source run when it fires.
type Hook struct {
	Address uint32
	Kind    translator.HookKind
	Script  string
	Name    string
}

// Table is a translator.HookProvider backed by a set of scripted hooks. It
// also builds the hostcode.HookFunc closures the bytecode interpreter's
// OpCallHook calls into, given the hook index ReplaceFunctionIfPossible
// handed the translator.
type Table struct {
	mu    sync.Mutex
	hooks []Hook
	byPC  map[uint32]uint32 // guest address -> index into hooks

	mem *ppcstate.Memory

	pool sync.Pool // *lua.LState, one per concurrent caller
}

// New builds an empty hook table bound to the guest memory a script's
// mem_read32/mem_write32 calls resolve against.
func New(mem *ppcstate.Memory) *Table {
	t := &Table{
		byPC: make(map[uint32]uint32),
		mem:  mem,
	}
	t.pool.New = func() interface{} { return lua.NewState() }
	return t
}

// Add registers a hook, compiling nothing yet (scripts are parsed lazily on
// first fire so a syntax error in an unused hook never blocks startup).
func (t *Table) Add(h Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := uint32(len(t.hooks))
	t.hooks = append(t.hooks, h)
	t.byPC[h.Address] = idx
}

// Remove drops any hook registered at pc.
func (t *Table) Remove(pc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byPC[pc]
	if !ok {
		return
	}
	delete(t.byPC, pc)
	t.hooks[idx] = Hook{} // leave a hole; indices must stay stable for RunHook
}

// ReplaceFunctionIfPossible implements translator.HookProvider, spec.md §6.
func (t *Table) ReplaceFunctionIfPossible(pc uint32) (uint32, translator.HookKind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byPC[pc]
	if !ok {
		return 0, translator.HookNone, false
	}
	h := t.hooks[idx]
	if h.Kind == translator.HookNone {
		return 0, translator.HookNone, false
	}
	return idx, h.Kind, true
}

// BuildHookMap returns the map hostcode.ExecContext.Hooks expects, one
// closure per registered hook binding its index and script. Call this once
// after all Add calls and before the first Exec; hooks added afterward will
// not appear until BuildHookMap is called again.
func (t *Table) BuildHookMap() map[uint32]hostcode.HookFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := make(map[uint32]hostcode.HookFunc, len(t.hooks))
	for i := range t.hooks {
		idx := uint32(i)
		m[idx] = func(state *ppcstate.State) bool {
			return t.call(idx, state)
		}
	}
	return m
}

// call runs the hook at idx against state, returning HookFunc's
// kindReplace: true if this fired as HookReplace and the dispatcher should
// route control to the dispatcher instead of continuing the block. A script
// error is non-fatal to guest execution: it is reported to stderr and
// otherwise swallowed here (an optional HLE speedup
// misbehaving should not crash the emulated CPU), and the hook behaves as a
// no-op that instruction.
func (t *Table) call(idx uint32, state *ppcstate.State) bool {
	t.mu.Lock()
	if idx >= uint32(len(t.hooks)) {
		t.mu.Unlock()
		return false
	}
	h := t.hooks[idx]
	t.mu.Unlock()

	if h.Script != "" {
		L := t.pool.Get().(*lua.LState)
		t.bindState(L, state)
		err := L.DoString(h.Script)
		L.SetTop(0)
		t.pool.Put(L)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hlehooks: %s: %v\n", h.Name, err)
		}
	}

	return h.Kind == translator.HookReplace
}

// bindState exposes the guest general-purpose registers as a Lua global
// table gpr[1..32] (Lua arrays are 1-based) and a pair of read/write
// functions for guest memory, the minimal surface a hook body needs to
// inspect arguments and produce a return value the way the replaced guest
// function would have.
func (t *Table) bindState(L *lua.LState, state *ppcstate.State) {
	gpr := L.NewTable()
	for i := 0; i < 32; i++ {
		gpr.RawSetInt(i+1, lua.LNumber(state.GPR[i]))
	}
	L.SetGlobal("gpr", gpr)

	L.SetGlobal("set_gpr", L.NewFunction(func(L *lua.LState) int {
		idx := L.CheckInt(1) - 1
		val := L.CheckNumber(2)
		if idx >= 0 && idx < 32 {
			state.GPR[idx] = uint32(val)
		}
		return 0
	}))

	L.SetGlobal("mem_read32", L.NewFunction(func(L *lua.LState) int {
		addr := uint32(L.CheckNumber(1))
		L.Push(lua.LNumber(t.mem.Read32(addr)))
		return 1
	}))

	L.SetGlobal("mem_write32", L.NewFunction(func(L *lua.LState) int {
		addr := uint32(L.CheckNumber(1))
		val := uint32(L.CheckNumber(2))
		t.mem.Write32(addr, val)
		return 0
	}))

	L.SetGlobal("set_pc", L.NewFunction(func(L *lua.LState) int {
		state.PC = uint32(L.CheckNumber(1))
		return 0
	}))

	L.SetGlobal("blr", L.NewFunction(func(L *lua.LState) int {
		state.PC = state.LR
		return 0
	}))
}
