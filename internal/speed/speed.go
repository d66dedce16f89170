// Package speed estimates copy throughput over a rolling window of the
// most recent part copies.
package speed

import "time"

// DefaultWindow is the number of samples the tracker retains.
const DefaultWindow = 5

// Tracker computes a rolling average throughput across copy cycles.
// Call StartCycle before a copy and EndCycle with the byte count after;
// Average reports bytes per second over the retained window.
//
// Tracker is not safe for concurrent use; the backup pipeline is
// strictly sequential.
type Tracker struct {
	window  int
	start   time.Time
	started bool

	durations []time.Duration
	bytes     []int64

	now func() time.Time // test hook
}

// NewTracker creates a Tracker retaining up to window samples.
// A window of 0 or less uses DefaultWindow.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window: window,
		now:    time.Now,
	}
}

// StartCycle marks the beginning of a copy cycle.
func (t *Tracker) StartCycle() {
	t.start = t.now()
	t.started = true
}

// EndCycle records a completed copy cycle of bytesCopied bytes. Calls
// without a preceding StartCycle are ignored.
func (t *Tracker) EndCycle(bytesCopied int64) {
	if !t.started {
		return
	}
	t.started = false

	t.durations = append(t.durations, t.now().Sub(t.start))
	t.bytes = append(t.bytes, bytesCopied)

	if len(t.durations) > t.window {
		t.durations = t.durations[len(t.durations)-t.window:]
		t.bytes = t.bytes[len(t.bytes)-t.window:]
	}
}

// Average returns the rolling average throughput in bytes per second.
// ok is false until at least one cycle has completed or while the
// total elapsed time is zero.
func (t *Tracker) Average() (bytesPerSec float64, ok bool) {
	if len(t.durations) == 0 {
		return 0, false
	}

	var total time.Duration
	var copied int64
	for i := range t.durations {
		total += t.durations[i]
		copied += t.bytes[i]
	}
	if total <= 0 {
		return 0, false
	}

	return float64(copied) / total.Seconds(), true
}
