package analyzer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/reencodarr/internal/events"
)

// StorageTier classifies observed I/O throughput.
type StorageTier string

const (
	TierStandard StorageTier = "standard"
	TierHigh     StorageTier = "high_performance"
	TierUltra    StorageTier = "ultra_high_performance"
)

// Throughput thresholds in MB/s for tier classification.
const (
	highTierMBps  = 50.0
	ultraTierMBps = 200.0
)

// Batch scaling multipliers by tier. Reductions are deliberately milder than
// growth so a single slow batch does not collapse the batch size.
const (
	standardGrowth = 1.2
	highGrowth     = 1.5
	ultraGrowth    = 2.0
	shrinkFactor   = 0.8
)

const (
	retuneCadence = 30 * time.Second
	sampleWindow  = 2 * time.Minute
)

// batchSample is one completed mediainfo batch observation.
type batchSample struct {
	at      time.Time
	files   int
	bytes   int64
	elapsed time.Duration
}

// PerfMonitor samples analyzer throughput and adapts the mediainfo batch
// size within configured bounds. It is the analyzer's only tuning knob.
type PerfMonitor struct {
	mu        sync.Mutex
	batchSize int
	minBatch  int
	maxBatch  int
	samples   []batchSample

	// lastRate is the files/minute observed at the previous retune, used to
	// detect regressions.
	lastRate float64

	logger *slog.Logger
	bus    *events.Bus
}

// NewPerfMonitor creates a monitor starting at the configured batch size.
func NewPerfMonitor(initial, minBatch, maxBatch int, logger *slog.Logger, bus *events.Bus) *PerfMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PerfMonitor{
		batchSize: initial,
		minBatch:  minBatch,
		maxBatch:  maxBatch,
		logger:    logger.With("component", "analyzer_perfmon"),
		bus:       bus,
	}
}

// Start runs the retune loop until the context is cancelled.
func (m *PerfMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(retuneCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Retune()
		}
	}
}

// RecordBatch registers one completed batch for the next retune.
func (m *PerfMonitor) RecordBatch(files int, bytes int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, batchSample{
		at:      time.Now(),
		files:   files,
		bytes:   bytes,
		elapsed: elapsed,
	})
}

// BatchSize returns the current batch size.
func (m *PerfMonitor) BatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize
}

// Concurrency returns the mediainfo fan-out for the current tier: 4 on
// ultra, 2 on high-performance storage, otherwise 1.
func (m *PerfMonitor) Concurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.classifyLocked() {
	case TierUltra:
		return 4
	case TierHigh:
		return 2
	default:
		return 1
	}
}

// Tier returns the storage tier derived from the sample window.
func (m *PerfMonitor) Tier() StorageTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classifyLocked()
}

// Retune reclassifies the storage tier and rescales the batch size. Called on
// the 30s cadence and from tests.
func (m *PerfMonitor) Retune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	if len(m.samples) == 0 {
		return
	}

	rate := m.filesPerMinuteLocked()
	tier := m.classifyLocked()

	old := m.batchSize
	if m.lastRate > 0 && rate < m.lastRate/2 {
		// Throughput regressed hard; back off gently.
		m.batchSize = int(float64(m.batchSize) * shrinkFactor)
	} else {
		switch tier {
		case TierUltra:
			m.batchSize = int(float64(m.batchSize) * ultraGrowth)
		case TierHigh:
			m.batchSize = int(float64(m.batchSize) * highGrowth)
		default:
			m.batchSize = int(float64(m.batchSize) * standardGrowth)
		}
	}
	m.batchSize = clamp(m.batchSize, m.minBatch, m.maxBatch)
	m.lastRate = rate

	if m.batchSize != old {
		m.logger.Info("analyzer batch size rescaled",
			"old", old,
			"new", m.batchSize,
			"tier", tier,
			"files_per_minute", rate,
		)
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Topic: events.TopicAnalyzerEvents,
				Type:  events.TypeBatchSized,
				Payload: map[string]any{
					"batch_size":       m.batchSize,
					"tier":             string(tier),
					"files_per_minute": rate,
				},
			})
		}
	}
}

// pruneLocked drops samples outside the observation window.
func (m *PerfMonitor) pruneLocked() {
	cutoff := time.Now().Add(-sampleWindow)
	kept := m.samples[:0]
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples = kept
}

// filesPerMinuteLocked computes throughput over the sample window.
func (m *PerfMonitor) filesPerMinuteLocked() float64 {
	var files int
	var elapsed time.Duration
	for _, s := range m.samples {
		files += s.files
		elapsed += s.elapsed
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(files) / elapsed.Minutes()
}

// classifyLocked estimates I/O MB/s from recent batch durations.
func (m *PerfMonitor) classifyLocked() StorageTier {
	var bytes int64
	var elapsed time.Duration
	for _, s := range m.samples {
		bytes += s.bytes
		elapsed += s.elapsed
	}
	if elapsed <= 0 {
		return TierStandard
	}
	mbps := float64(bytes) / 1e6 / elapsed.Seconds()
	switch {
	case mbps >= ultraTierMBps:
		return TierUltra
	case mbps >= highTierMBps:
		return TierHigh
	default:
		return TierStandard
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
