package runtime

import (
	goruntime "runtime"
	"time"

	buspkg "github.com/mkd-tools/mkd/internal/runtime/bus"
)

// ComponentHealth is the result of one component health probe.
type ComponentHealth struct {
	Type      string    `json:"type"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// RuntimeStats is a snapshot of the Go runtime taken alongside the status.
type RuntimeStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
}

func readRuntimeStats() RuntimeStats {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	return RuntimeStats{
		Goroutines:     goruntime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
	}
}

// SystemStatus is a point-in-time snapshot of the whole system.
type SystemStatus struct {
	State      string            `json:"state"`
	Healthy    bool              `json:"healthy"`
	Uptime     time.Duration     `json:"uptime"`
	Recoveries int               `json:"recoveries"`
	Components []ComponentHealth `json:"components"`
	Bus        buspkg.Stats      `json:"bus"`
	Commands   []string          `json:"commands"`
	Runtime    RuntimeStats      `json:"runtime"`
}
