// breakpoints.go - the debugger's address breakpoint set, spec.md §6 "Breakpoints"
//
// License: GPLv3 or later

package hlehooks

import "sync"

// Breakpoints is a plain set of guest addresses, implementing
// translator.Breakpoints so the translator can mark blocks containing one as
// unlinkable (spec.md §4.3 step 7).
type Breakpoints struct {
	mu  sync.RWMutex
	set map[uint32]bool
}

// NewBreakpoints returns an empty breakpoint set.
func NewBreakpoints() *Breakpoints {
	return &Breakpoints{set: make(map[uint32]bool)}
}

// Set arms a breakpoint at pc.
func (b *Breakpoints) Set(pc uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set[pc] = true
}

// Clear disarms a breakpoint at pc.
func (b *Breakpoints) Clear(pc uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.set, pc)
}

// At reports whether pc has an armed breakpoint.
func (b *Breakpoints) At(pc uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.set[pc]
}
