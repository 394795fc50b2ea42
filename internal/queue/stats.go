package queue

import (
	"sync"
	"time"
)

// statsWindow caps how many recent processing durations feed the
// estimated-wait figure in snapshots.
const statsWindow = 50

// durationWindow tracks recent job processing times.
type durationWindow struct {
	mu      sync.Mutex
	samples []int64 // milliseconds, newest last
}

func newDurationWindow() *durationWindow {
	return &durationWindow{samples: make([]int64, 0, statsWindow)}
}

func (w *durationWindow) Observe(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, ms)
	if len(w.samples) > statsWindow {
		w.samples = w.samples[len(w.samples)-statsWindow:]
	}
}

// AvgMs returns the mean observed duration, zero when no samples exist.
func (w *durationWindow) AvgMs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0
	}
	var sum int64
	for _, v := range w.samples {
		sum += v
	}
	return sum / int64(len(w.samples))
}
