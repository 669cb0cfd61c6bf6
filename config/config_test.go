package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	tun := Default()

	if tun.SyncGPU != DualCoreNonDeterministic {
		t.Errorf("Default().SyncGPU = %v, want DualCoreNonDeterministic", tun.SyncGPU)
	}
	if tun.SyncGPUMaxDistance <= tun.SyncGPUMinDistance {
		t.Errorf("max distance %d must exceed min distance %d", tun.SyncGPUMaxDistance, tun.SyncGPUMinDistance)
	}
	if tun.SyncGPUOverclock != 1.0 {
		t.Errorf("Default().SyncGPUOverclock = %v, want 1.0", tun.SyncGPUOverclock)
	}
	if tun.NoBlockCache || tun.NoBlockLinking {
		t.Errorf("Default() debug toggles should start disabled")
	}
}

func TestTickInterval(t *testing.T) {
	tests := []struct {
		name      string
		overclock float64
		wantSame  bool
	}{
		{"parity", 1.0, true},
		{"double speed halves interval", 2.0, false},
		{"zero falls back to base", 0, true},
		{"negative falls back to base", -1, true},
	}

	base := time.Millisecond
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tun := Tunables{SyncGPUOverclock: tt.overclock}
			got := tun.TickInterval(base)
			same := got == base
			if same != tt.wantSame {
				t.Errorf("TickInterval with overclock %v = %v, wantSame=%v", tt.overclock, got, tt.wantSame)
			}
		})
	}
}
