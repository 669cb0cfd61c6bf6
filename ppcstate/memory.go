// memory.go - guest physical memory and the gather-pipe MMIO window
//
// License: GPLv3 or later

package ppcstate

import (
	"encoding/binary"
	"sync"
)

// Guest memory layout constants. These are illustrative Gekko/Broadway-style
// values, not a full memory map (the real memory map, boot ROM, and I/O
// bridge are out of scope per spec.md §1).
const (
	MemorySize      = 24 * 1024 * 1024
	GatherPipeSize  = 32 // GATHER_PIPE_SIZE, spec.md §6
	PageSize        = 0x1000
	PageMask uint32 = ^uint32(PageSize - 1)
)

// GatherPipeSink receives bytes written into the gather-pipe MMIO window.
// The FIFO synchronizer implements this; the translator and interpreter
// fallback call it whenever guest code stores into
// [GatherPipeBase, GatherPipeBase+0x8000).
type GatherPipeSink interface {
	Write(p []byte)
}

// Memory is the guest's big-endian physical address space, with an
// MMIO region carved out for the gather pipe. It is analogous to the
// teacher's SystemBus (memory_bus.go) but fixed to PowerPC's big-endian
// byte order and specialized to the one MMIO device this spec cares about.
// RAM accesses ignore the top two address bits, so the cached
// (0x80000000) and uncached (0xC0000000) mirrors reach the same bytes as
// the physical address; the gather-pipe window is matched before that.
type Memory struct {
	mu   sync.RWMutex
	ram  []byte
	pipe GatherPipeSink

	gatherPipeBase uint32
	gatherPipeEnd  uint32
}

// NewMemory allocates guest RAM and wires the gather-pipe MMIO window to
// sink, which will usually be a *fifo.Synchronizer.
func NewMemory(sink GatherPipeSink, gatherPipeBase uint32) *Memory {
	return &Memory{
		ram:            make([]byte, MemorySize),
		pipe:           sink,
		gatherPipeBase: gatherPipeBase,
		gatherPipeEnd:  gatherPipeBase + 0x8000,
	}
}

func (m *Memory) inGatherPipe(addr uint32) bool {
	return addr >= m.gatherPipeBase && addr < m.gatherPipeEnd
}

// Read32 performs a big-endian 32-bit load from guest physical memory.
func (m *Memory) Read32(addr uint32) uint32 {
	addr &= 0x3FFFFFFF
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(addr)+4 > len(m.ram) {
		return 0
	}
	return binary.BigEndian.Uint32(m.ram[addr:])
}

// Write32 performs a big-endian 32-bit store. Stores that land in the
// gather-pipe window are forwarded to the sink instead of RAM, mirroring
// the real hardware's write-combining behavior.
func (m *Memory) Write32(addr, val uint32) {
	if m.inGatherPipe(addr) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], val)
		m.pipe.Write(b[:])
		return
	}
	addr &= 0x3FFFFFFF
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr)+4 > len(m.ram) {
		return
	}
	binary.BigEndian.PutUint32(m.ram[addr:], val)
}

// Read8/Write8 are the byte-granular counterparts of Read32/Write32.
func (m *Memory) Read8(addr uint32) uint8 {
	addr &= 0x3FFFFFFF
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(addr) >= len(m.ram) {
		return 0
	}
	return m.ram[addr]
}

func (m *Memory) Write8(addr uint32, val uint8) {
	if m.inGatherPipe(addr) {
		m.pipe.Write([]byte{val})
		return
	}
	addr &= 0x3FFFFFFF
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr) >= len(m.ram) {
		return
	}
	m.ram[addr] = val
}

// FetchInstruction reads the 32-bit big-endian instruction word at addr,
// the analyzer's sole entry point into memory.
func (m *Memory) FetchInstruction(addr uint32) uint32 {
	return m.Read32(addr)
}

// WriteGatherPipeChunk forwards a whole byte range to the gather-pipe sink
// in one call rather than word-at-a-time. Nothing in this module calls it;
// the translator's OpGatherPipeCheck does not move any bytes.
func (m *Memory) WriteGatherPipeChunk(p []byte) {
	m.pipe.Write(p)
}
