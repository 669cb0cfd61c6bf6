// synchronizer.go - the FIFO Synchronizer (FS), spec.md §4.7
//
// License: GPLv3 or later

package fifo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kestrelemu/broadwayjit/config"
)

// State is one of the FS state machine's four states, spec.md §4.7.
type State int

const (
	Idle State = iota
	Running
	Paused
	ShuttingDown
)

// OpcodeDecoder consumes bytes pulled off the ring, standing in for the
// video/vertex-manager opcode decoder spec.md treats as an external
// collaborator (§1's out-of-scope list). Cycles reports the emulated cost
// of decoding p, used to pace sync_ticks.
type OpcodeDecoder interface {
	Decode(p []byte) (cycles int64)
}

// slot is the emulated-cycle reschedule quantum single-core pacing uses,
// spec.md §4.7: "A SLOT of 1000 emulated cycles is used."
const slot = 1000

// Synchronizer mediates the CPU and GPU threads around Ring, implementing
// whichever of the three modes config.Tunables.SyncGPU selects.
type Synchronizer struct {
	mode    config.SyncGPUMode
	maxDist int64
	minDist int64
	overclock float64

	ring *Ring
	aux  *Ring

	decoder OpcodeDecoder

	syncTicks atomic.Int64

	stateMu sync.Mutex
	state   State
	idleCh  chan struct{} // closed and replaced whenever the GPU loop reaches its idle marker

	wake chan struct{} // buffered 1: wakes a sleeping GPU loop

	readEnable atomic.Bool

	sem *semaphore.Weighted // bounds concurrent GPU-loop starts to exactly one
}

// New builds a Synchronizer over a fresh main ring and aux ring.
func New(tun config.Tunables, decoder OpcodeDecoder) *Synchronizer {
	s := &Synchronizer{
		mode:      tun.SyncGPU,
		maxDist:   int64(tun.SyncGPUMaxDistance),
		minDist:   int64(tun.SyncGPUMinDistance),
		overclock: tun.SyncGPUOverclock,
		ring:      NewRing(),
		aux:       NewRing(),
		decoder:   decoder,
		idleCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		sem:       semaphore.NewWeighted(1),
	}
	s.readEnable.Store(true)
	if s.overclock == 0 {
		s.overclock = 1.0
	}
	return s
}

// Write implements ppcstate.GatherPipeSink: guest stores into the
// gather-pipe MMIO window land here instead of RAM.
func (s *Synchronizer) Write(p []byte) {
	if err := s.ring.Push(p); err != nil {
		panic(fmt.Sprintf("fifo: %v", err)) // spec.md §7: FIFO wrap impossible is a panic
	}
}

// PushAux writes to the aux FIFO, spec.md §3's second 2 MiB buffer for
// out-of-band graphics bytes.
func (s *Synchronizer) PushAux(p []byte) error { return s.aux.Push(p) }

// Ring exposes the main ring for tests and the GPU loop.
func (s *Synchronizer) Ring() *Ring { return s.ring }

// Aux exposes the aux ring.
func (s *Synchronizer) Aux() *Ring { return s.aux }

// SyncTicks returns the current signed distance counter, spec.md §3:
// "positive = CPU is ahead of GPU by that many emulated ticks."
func (s *Synchronizer) SyncTicks() int64 { return s.syncTicks.Load() }

// State returns the FS state machine's current state.
func (s *Synchronizer) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Synchronizer) setState(next State) {
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
}

// EmulatorState implements the Idle<->Running transitions spec.md's state
// machine names: emulator_state(true) wakes the loop, emulator_state(false)
// allows it to sleep at its next suspension point.
func (s *Synchronizer) EmulatorState(running bool) {
	if running {
		s.setState(Running)
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return
	}
	if s.State() == Running {
		s.setState(Paused)
	}
}

// RunGPUOnCPU implements single-core mode's periodic scheduled event,
// spec.md §4.7 "Single-core". It returns the next reschedule delay in
// emulated cycles, or -1 to mean "idle, don't reschedule."
func (s *Synchronizer) RunGPUOnCPU(ticksIn int64) int64 {
	available := float64(ticksIn)*s.overclock + float64(s.syncTicks.Load())

	for s.readEnable.Load() && s.ring.Distance() > 0 && available >= 0 {
		chunk := s.ring.PopTo(gatherPipeSize)
		if len(chunk) == 0 {
			break
		}
		cycles := s.decoder.Decode(chunk)
		available -= float64(cycles)
	}

	if available < 0 {
		s.syncTicks.Store(int64(available))
	} else {
		s.syncTicks.Store(0)
	}
	if available >= 0 {
		return -1
	}
	return int64(-available) + slot
}

const gatherPipeSize = 32

// WaitForGPUThread implements the CPU thread's half of dual-core
// synchronization, spec.md §4.7: adds ticks to sync_ticks and, depending on
// where the counter crosses the min/max thresholds, wakes or blocks on the
// GPU thread. Returns the next reschedule interval, or -1 if nothing to do.
func (s *Synchronizer) WaitForGPUThread(ticks int64) int64 {
	old := s.syncTicks.Load()
	next := old + ticks
	s.syncTicks.Store(next)

	gpuWasIdle := old <= s.minDist
	gpuStillIdle := next <= s.minDist
	if gpuWasIdle && gpuStillIdle {
		return -1
	}
	if old < s.minDist && next >= s.minDist {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	if next >= s.maxDist {
		<-s.idleSignal()
	}
	return slot
}

// idleSignal returns a channel that is closed the next time the GPU loop
// reports sync_ticks has dropped back under max_distance, standing in for
// the wakeup event spec.md's "blocks on a wakeup event" describes.
func (s *Synchronizer) idleSignal() chan struct{} {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.idleCh
}

func (s *Synchronizer) signalIdle() {
	s.stateMu.Lock()
	close(s.idleCh)
	s.idleCh = make(chan struct{})
	s.stateMu.Unlock()
}

// RunGPUThread runs the dual-core GPU loop until ctx is cancelled or
// ExitGPULoop is called, spec.md §4.7 "Dual-core non-deterministic"/
// "Dual-core deterministic". It is meant to be launched once via an
// errgroup so its error (if any) is observable from the caller that also
// owns the CPU thread's loop.
func (s *Synchronizer) RunGPUThread(ctx context.Context) error {
	if !s.sem.TryAcquire(1) {
		return fmt.Errorf("fifo: GPU loop already running")
	}
	defer s.sem.Release(1)

	for {
		if s.State() == ShuttingDown {
			return nil
		}
		if s.State() != Running || s.ring.Distance() == 0 || s.syncTicks.Load() < s.minDist {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			case <-time.After(time.Millisecond):
			}
			continue
		}

		if s.mode == config.DualCoreDeterministic {
			s.runDeterministicStep()
		} else {
			s.runNonDeterministicStep()
		}

		if s.ring.Drained() {
			// Stand-in for "flush vertex manager and refresh peek cache":
			// nothing to flush here since the opcode decoder owns that
			// state, but the checkpoint exists so a real decoder can be
			// wired to it.
		}
	}
}

func (s *Synchronizer) runNonDeterministicStep() {
	chunk := s.ring.PopTo(gatherPipeSize)
	if len(chunk) == 0 {
		return
	}
	cycles := s.decoder.Decode(chunk)
	old := s.syncTicks.Load()
	next := old - int64(float64(cycles)/s.overclock)
	s.syncTicks.Store(next)
	if old >= s.maxDist && next < s.maxDist {
		s.signalIdle()
	}
}

func (s *Synchronizer) runDeterministicStep() {
	// The GPU never advances past seen (spec.md §4.7); it only consumes
	// what the CPU's pre-decode pass has already committed to.
	seen := s.ring.Seen()
	if s.ring.Read() >= seen {
		return
	}
	chunk := s.ring.PopTo(min32(gatherPipeSize, seen-s.ring.Read()))
	if len(chunk) == 0 {
		return
	}
	cycles := s.decoder.Decode(chunk)
	old := s.syncTicks.Load()
	next := old - int64(float64(cycles)/s.overclock)
	s.syncTicks.Store(next)
	if old >= s.maxDist && next < s.maxDist {
		s.signalIdle()
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// PauseAndLock implements spec.md §4.7's pause_and_lock(true): requests the
// pause and then polls every millisecond until the ring is drained or a
// single 100 ms deadline (the module's one wall-clock timeout) passes,
// and sets the state to Paused either way.
func (s *Synchronizer) PauseAndLock(ctx context.Context) error {
	s.EmulatorState(false)
	deadline := time.Now().Add(100 * time.Millisecond)
	for !s.ring.Drained() {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	s.setState(Paused)
	return nil
}

// ExitGPULoop implements spec.md §4.7's exit_gpu_loop: clears read-enable
// so any in-flight CPU-side FIFO write's loop completes quickly, then
// transitions to ShuttingDown from any state, non-blocking.
func (s *Synchronizer) ExitGPULoop() {
	s.readEnable.Store(false)
	s.setState(ShuttingDown)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run launches the CPU-visible half (nothing to do in single-core mode,
// since RunGPUOnCPU is called synchronously from the scheduler callback)
// and, in either dual-core mode, the GPU thread, returning a function that
// waits for it to exit. Callers in single-core mode need not call Run at
// all.
func (s *Synchronizer) Run(ctx context.Context) func() error {
	if s.mode == config.SingleCore {
		return func() error { return nil }
	}
	s.setState(Running)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.RunGPUThread(gctx) })
	return g.Wait
}
