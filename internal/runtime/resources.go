package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ResourceUsage is a coarse process sample reported on the status endpoint.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker turns cumulative CPU seconds into a percentage between
// consecutive samples.
type resourceTracker struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	lastCPU  float64
	lastTime time.Time
	numCPU   float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage := ResourceUsage{
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	metrics.Read(r.samples)
	if r.samples[0].Value.Kind() != metrics.KindFloat64 {
		return usage
	}

	cpu, now := r.samples[0].Value.Float64(), time.Now()
	usage.CPUPercent = cpuPercent(cpu-r.lastCPU, now.Sub(r.lastTime), r.numCPU, r.lastTime.IsZero())
	r.lastCPU, r.lastTime = cpu, now
	return usage
}

func cpuPercent(cpuDelta float64, wall time.Duration, numCPU float64, first bool) float64 {
	if first || wall <= 0 || numCPU <= 0 {
		return 0
	}
	return cpuDelta / wall.Seconds() / numCPU * 100
}
