package toolexec

import (
	"slices"
	"sync"
)

// ToolStats summarises the recent calls of one tool.
type ToolStats struct {
	Name      string  `json:"name"`
	P50Ms     int64   `json:"p50_ms"`
	P99Ms     int64   `json:"p99_ms"`
	Calls     int     `json:"calls"`
	ErrorRate float64 `json:"error_rate"`
}

const defaultWindowSize = 100

// effectiveP50 prefers measurements over the declared estimate.
func (e *toolEntry) effectiveP50() int64 {
	if e.window.Count() > 0 {
		return e.window.P50()
	}
	return int64(e.def.EstimatedDurationMs)
}

// rollingWindow keeps the last size call latencies in a ring. Safe for
// concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []int64
	failed  []bool
	pos     int
	count   int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &rollingWindow{samples: make([]int64, size), failed: make([]bool, size)}
}

// Record adds one call, overwriting the oldest once the ring is full.
func (w *rollingWindow) Record(latencyMs int64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = latencyMs
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

func (w *rollingWindow) len() int { return min(w.count, len(w.samples)) }

func (w *rollingWindow) sorted() []int64 {
	n := w.len()
	if n == 0 {
		return nil
	}
	cp := slices.Clone(w.samples[:n])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency, or 0 without samples.
func (w *rollingWindow) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P99 returns the 99th percentile latency, or 0 without samples.
func (w *rollingWindow) P99() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*0.99)]
}

// ErrorRate returns the failed fraction of the window.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.len()
	if n == 0 {
		return 0
	}
	failed := 0
	for _, f := range w.failed[:n] {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(n)
}

// Count returns the calls recorded since creation.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
