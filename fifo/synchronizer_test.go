package fifo

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelemu/broadwayjit/config"
)

// fixedCostDecoder charges a fixed cycle cost per chunk regardless of size,
// making the pacing math in the tests easy to predict.
type fixedCostDecoder struct {
	cost int64
}

func (d *fixedCostDecoder) Decode(p []byte) int64 { return d.cost }

func TestSynchronizerGatherPipeWriteIsRingPush(t *testing.T) {
	tun := config.Default()
	tun.SyncGPU = config.SingleCore
	s := New(tun, &fixedCostDecoder{cost: 1})

	s.Write([]byte{1, 2, 3, 4})
	if s.Ring().Distance() != 4 {
		t.Fatalf("Ring().Distance() = %d, want 4 after Write", s.Ring().Distance())
	}
}

func TestSynchronizerRunGPUOnCPUDrainsWithinBudget(t *testing.T) {
	tun := config.Default()
	tun.SyncGPU = config.SingleCore
	tun.SyncGPUOverclock = 1.0
	s := New(tun, &fixedCostDecoder{cost: 8})

	s.Write(make([]byte, gatherPipeSize*3))

	next := s.RunGPUOnCPU(24)
	if next != -1 {
		t.Errorf("RunGPUOnCPU(24) = %d, want -1 (idle, drained within budget)", next)
	}
	if !s.Ring().Drained() {
		t.Errorf("ring should be fully drained after RunGPUOnCPU consumed the whole budget's worth of chunks")
	}
	if s.SyncTicks() != 0 {
		t.Errorf("SyncTicks() = %d, want 0 when available lands exactly on zero", s.SyncTicks())
	}
}

func TestSynchronizerRunGPUOnCPUReschedulesWhenOverBudget(t *testing.T) {
	tun := config.Default()
	tun.SyncGPU = config.SingleCore
	s := New(tun, &fixedCostDecoder{cost: 100})

	s.Write(make([]byte, gatherPipeSize*3))

	next := s.RunGPUOnCPU(50)
	if next <= 0 {
		t.Errorf("RunGPUOnCPU(50) = %d, want a positive reschedule delay when the budget runs out mid-drain", next)
	}
	if s.SyncTicks() >= 0 {
		t.Errorf("SyncTicks() = %d, want negative (GPU behind) after overrunning the budget", s.SyncTicks())
	}
}

func TestSynchronizerWaitForGPUThreadIdleStaysIdle(t *testing.T) {
	tun := config.Default()
	tun.SyncGPUMinDistance = 1000
	tun.SyncGPUMaxDistance = 5000
	s := New(tun, &fixedCostDecoder{cost: 1})

	next := s.WaitForGPUThread(10)
	if next != -1 {
		t.Errorf("WaitForGPUThread(10) = %d, want -1 while still well under min_distance", next)
	}
}

func TestSynchronizerWaitForGPUThreadWakesAtMinDistance(t *testing.T) {
	tun := config.Default()
	tun.SyncGPUMinDistance = 100
	tun.SyncGPUMaxDistance = 5000
	s := New(tun, &fixedCostDecoder{cost: 1})

	s.WaitForGPUThread(90) // still under min_distance
	next := s.WaitForGPUThread(50) // crosses min_distance: 140 > 100
	if next == -1 {
		t.Errorf("WaitForGPUThread should reschedule once sync_ticks crosses min_distance")
	}
	select {
	case <-s.wake:
	default:
		t.Errorf("crossing min_distance upward should signal the wake channel")
	}
}

func TestSynchronizerEmulatorStateTransitions(t *testing.T) {
	tun := config.Default()
	s := New(tun, &fixedCostDecoder{cost: 1})

	if s.State() != Idle {
		t.Fatalf("initial state = %v, want Idle", s.State())
	}
	s.EmulatorState(true)
	if s.State() != Running {
		t.Errorf("EmulatorState(true) should move Idle -> Running, got %v", s.State())
	}
	s.EmulatorState(false)
	if s.State() != Paused {
		t.Errorf("EmulatorState(false) should move Running -> Paused, got %v", s.State())
	}
}

func TestSynchronizerExitGPULoopIsNonBlockingAndFinal(t *testing.T) {
	tun := config.Default()
	tun.SyncGPU = config.DualCoreNonDeterministic
	s := New(tun, &fixedCostDecoder{cost: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.RunGPUThread(ctx) }()

	s.EmulatorState(true)
	time.Sleep(5 * time.Millisecond)
	s.ExitGPULoop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunGPUThread returned %v after ExitGPULoop, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("RunGPUThread did not return after ExitGPULoop")
	}
	if s.State() != ShuttingDown {
		t.Errorf("State() = %v, want ShuttingDown after ExitGPULoop", s.State())
	}
}

func TestSynchronizerPauseAndLockReturnsOnceDrained(t *testing.T) {
	tun := config.Default()
	s := New(tun, &fixedCostDecoder{cost: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.PauseAndLock(ctx); err != nil {
		t.Fatalf("PauseAndLock on an already-drained ring: %v", err)
	}
	if s.State() != Paused {
		t.Errorf("State() = %v, want Paused after PauseAndLock", s.State())
	}
}
