package runtime

import (
	"testing"
	"time"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	if first.CPUPercent != 0 {
		t.Errorf("first sample CPU = %f, want 0", first.CPUPercent)
	}
	if first.MemoryBytes == 0 || first.Goroutines == 0 {
		t.Errorf("expected memory and goroutines, got %+v", first)
	}

	time.Sleep(10 * time.Millisecond)
	if second := tracker.Snapshot(); second.CPUPercent < 0 {
		t.Errorf("CPU percent = %f, want >= 0", second.CPUPercent)
	}
}

func TestResourceTrackerNilAndEmpty(t *testing.T) {
	var nilTracker *resourceTracker
	if got := nilTracker.Snapshot(); got != (ResourceUsage{}) {
		t.Errorf("nil tracker = %+v, want zero", got)
	}

	empty := &resourceTracker{}
	if got := empty.Snapshot(); got.MemoryBytes == 0 {
		t.Error("expected memory bytes with empty samples")
	}
}

func TestCPUPercent(t *testing.T) {
	tests := []struct {
		name   string
		delta  float64
		wall   time.Duration
		numCPU float64
		first  bool
		want   float64
	}{
		{"first sample", 1, time.Second, 4, true, 0},
		{"no wall time", 1, 0, 4, false, 0},
		{"one of four cores busy", 1, time.Second, 4, false, 25},
		{"all cores busy", 2, time.Second, 2, false, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuPercent(tt.delta, tt.wall, tt.numCPU, tt.first); got != tt.want {
				t.Errorf("cpuPercent = %f, want %f", got, tt.want)
			}
		})
	}
}
