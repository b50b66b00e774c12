package events

import (
	"math"
	"sync"
	"time"
)

// defaults matching the progress streams' broadcast cadence.
const (
	defaultDebounceInterval = 5 * time.Second
	defaultDebounceDelta    = 50.0
)

// ProgressDebouncer rate-limits progress broadcasts. An update passes when
// enough time has elapsed since the last emission or the percentage moved far
// enough to matter. Terminal updates (100%) always pass.
type ProgressDebouncer struct {
	mu       sync.Mutex
	interval time.Duration
	delta    float64

	lastEmit    time.Time
	lastPercent float64
	emitted     bool
}

// NewProgressDebouncer creates a debouncer with the given minimum interval
// and percentage delta. Zero values select the defaults (5s, 50%).
func NewProgressDebouncer(interval time.Duration, delta float64) *ProgressDebouncer {
	if interval <= 0 {
		interval = defaultDebounceInterval
	}
	if delta <= 0 {
		delta = defaultDebounceDelta
	}
	return &ProgressDebouncer{interval: interval, delta: delta}
}

// ShouldEmit reports whether a progress update at percent should be
// broadcast now, and records it as emitted when so.
func (d *ProgressDebouncer) ShouldEmit(percent float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	switch {
	case !d.emitted:
	case percent >= 100:
	case now.Sub(d.lastEmit) >= d.interval:
	case math.Abs(percent-d.lastPercent) > d.delta:
	default:
		return false
	}

	d.emitted = true
	d.lastEmit = now
	d.lastPercent = percent
	return true
}

// Reset clears the debouncer for a new operation.
func (d *ProgressDebouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitted = false
	d.lastEmit = time.Time{}
	d.lastPercent = 0
}
