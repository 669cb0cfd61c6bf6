// stackguard.go - dedicated execution stack with BLR guard pages (§4.4)
//
// License: GPLv3 or later

package codearena

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StackSize and GuardOffset/GuardSize describe a 2 MiB stack with one
// trigger guard page 512 KiB above its base. Only that trigger guard is
// protected; no permanent bottom guard page is armed.
const (
	StackSize   = 2 * 1024 * 1024
	GuardOffset = 512 * 1024
	GuardSize   = 4096
)

// ExecStack is the dedicated host stack BL/BLR emission pushes return
// addresses onto (the "BLR optimization" in spec.md §4.3 step 8). It
// carries a trigger guard page that, when hit, disables the optimization
// permanently for the process.
type ExecStack struct {
	mem           []byte
	base          uintptr
	sp            int // entries pushed, grown toward the trigger guard
	lastFaultAddr uintptr
	mmapped       bool
	guardArmed    bool
	blrEnabled    bool
}

// NewExecStack reserves the stack and arms the trigger guard page.
func NewExecStack() (*ExecStack, error) {
	mem, err := unix.Mmap(-1, 0, StackSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codearena: mmap exec stack: %w", err)
	}
	s := &ExecStack{mem: mem, mmapped: true, blrEnabled: true, base: uintptr(unsafe.Pointer(&mem[0]))}
	if err := s.armGuard(); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return s, nil
}

// NewHeapExecStack is the non-mmap fallback for hosts/tests where guard
// pages cannot be armed; BLR overflow is instead caught by Push's own
// bounds check against GuardOffset rather than an actual mprotect fault.
func NewHeapExecStack() *ExecStack {
	mem := make([]byte, StackSize)
	return &ExecStack{mem: mem, blrEnabled: true, base: uintptr(unsafe.Pointer(&mem[0]))}
}

// Push writes a BL return-address hint at the current stack depth and
// advances it. It reports false once the write would cross into the
// trigger guard span (spec.md §4.4) — the bytecode-interpreter stand-in
// for that guard page actually faulting under a real mmap'd stack, the
// same way hostcode.ExecContext.FastMem.Mapped stands in for a fastmem
// SIGSEGV. Once the optimization has been disabled, Push no-ops
// successfully instead of growing further: a stale/missing hint can only
// ever cost a spurious BLR misprediction fallback, never an unsafe jump.
func (s *ExecStack) Push(v uint32) bool {
	if !s.blrEnabled {
		return true
	}
	offset := s.sp * 4
	if offset+4 > GuardOffset {
		s.lastFaultAddr = s.base + uintptr(offset)
		return false
	}
	binary.LittleEndian.PutUint32(s.mem[offset:offset+4], v)
	s.sp++
	return true
}

// Pop removes and returns the most recently pushed hint.
func (s *ExecStack) Pop() (uint32, bool) {
	if s.sp == 0 {
		return 0, false
	}
	s.sp--
	offset := s.sp * 4
	return binary.LittleEndian.Uint32(s.mem[offset : offset+4]), true
}

// FaultAddr returns the host address Push last refused to write past,
// for the fault handler to confirm via InTriggerRange before treating it
// as a genuine BLR-stack-guard hit.
func (s *ExecStack) FaultAddr() uintptr { return s.lastFaultAddr }

func (s *ExecStack) armGuard() error {
	if !s.mmapped {
		s.guardArmed = true
		return nil
	}
	guard := s.mem[GuardOffset : GuardOffset+GuardSize]
	if err := unix.Mprotect(guard, unix.PROT_NONE); err != nil {
		return fmt.Errorf("codearena: mprotect guard page: %w", err)
	}
	s.guardArmed = true
	return nil
}

// UnprotectGuard restores read/write access to the trigger guard region
// after it has faulted once, per spec.md §4.4 recovery step 1.
func (s *ExecStack) UnprotectGuard() error {
	if !s.mmapped {
		s.guardArmed = false
		return nil
	}
	guard := s.mem[GuardOffset : GuardOffset+GuardSize]
	if err := unix.Mprotect(guard, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("codearena: mprotect unprotect guard: %w", err)
	}
	s.guardArmed = false
	return nil
}

// Reguard reinstates the guard on the next translator entry, per spec.md
// §4.4's "set a flag so that on the next translator entry the stack guard
// is reinstated".
func (s *ExecStack) Reguard() error {
	if s.guardArmed {
		return nil
	}
	return s.armGuard()
}

// InTriggerRange reports whether addr falls within the trigger guard span,
// used by faulthandler to recognize a BLR-stack overflow.
func (s *ExecStack) InTriggerRange(addr uintptr) bool {
	lo := s.base + GuardOffset
	hi := lo + GuardSize
	return addr >= lo && addr < hi
}

// DisableBLROptimization permanently turns off the BL/BLR host-stack fast
// path for the process lifetime, per spec.md §4.4.
func (s *ExecStack) DisableBLROptimization() { s.blrEnabled = false }

// BLROptimizationEnabled reports whether BL should still push a host
// return-address hint.
func (s *ExecStack) BLROptimizationEnabled() bool { return s.blrEnabled }

// Close releases the mmap'd stack.
func (s *ExecStack) Close() error {
	if !s.mmapped {
		return nil
	}
	return unix.Munmap(s.mem)
}
