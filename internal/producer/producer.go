// Package producer implements the demand-driven dispatch loop feeding each
// stage worker. Producers never push faster than the worker asks: the worker's
// availability and demand drive every dispatch, and bus events merely wake
// the loop to re-evaluate eligibility.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/models"
)

// Status is the producer lifecycle state exposed to operators.
type Status string

const (
	// StatusPaused means dispatch is suspended by the operator.
	StatusPaused Status = "paused"
	// StatusRunning means the producer is dispatching as demand allows.
	StatusRunning Status = "running"
	// StatusProcessing means a batch is in the worker right now.
	StatusProcessing Status = "processing"
	// StatusPausing means a pause was requested mid-batch; the worker
	// finishes its current item first.
	StatusPausing Status = "pausing"
	// StatusIdle means the producer is running but has nothing eligible.
	StatusIdle Status = "idle"
)

// availabilityTimeout bounds the worker availability query; a timed-out query
// is treated as not available.
const availabilityTimeout = time.Second

// Consumer is a stage worker fed by a producer.
type Consumer interface {
	// Available reports whether the worker can accept a batch now. The
	// context carries the availability timeout.
	Available(ctx context.Context) bool
	// Demand is the batch size the worker currently wants.
	Demand() int
	// Process runs one batch. Blocking; returns once the batch reaches a
	// terminal outcome.
	Process(ctx context.Context, batch []*models.Video) error
}

// Source queries the store for the next eligible videos in stage order.
type Source func(ctx context.Context, limit int) ([]*models.Video, error)

// Producer dispatches eligible videos from the store (and the operator's
// manual queue) into one stage worker.
type Producer struct {
	name         string
	topic        events.Topic
	source       Source
	consumer     Consumer
	bus          *events.Bus
	pollInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	status Status
	manual []*models.Video
	wake   chan struct{}
}

// New creates a producer for one stage. The topic is where worker_status
// events are published.
func New(
	name string,
	topic events.Topic,
	source Source,
	consumer Consumer,
	bus *events.Bus,
	pollInterval time.Duration,
	logger *slog.Logger,
) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Producer{
		name:         name,
		topic:        topic,
		source:       source,
		consumer:     consumer,
		bus:          bus,
		pollInterval: pollInterval,
		logger:       logger.With("component", "producer", "stage", name),
		status:       StatusRunning,
		wake:         make(chan struct{}, 1),
	}
}

// Status returns the current lifecycle state.
func (p *Producer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Enqueue puts a video on the manual override queue. Manual items jump the
// database order; the most recently added dispatches first.
func (p *Producer) Enqueue(video *models.Video) {
	p.mu.Lock()
	p.manual = append(p.manual, video)
	p.mu.Unlock()
	p.logger.Info("manual enqueue", "video_id", video.ID)
	p.nudge()
}

// Pause suspends dispatch. A batch already in the worker finishes first.
func (p *Producer) Pause() {
	p.mu.Lock()
	switch p.status {
	case StatusProcessing:
		p.status = StatusPausing
	case StatusPaused, StatusPausing:
	default:
		p.status = StatusPaused
	}
	status := p.status
	p.mu.Unlock()
	p.publishStatus(status)
}

// Resume restarts dispatch and triggers an immediate attempt.
func (p *Producer) Resume() {
	p.mu.Lock()
	switch p.status {
	case StatusPaused, StatusPausing:
		p.status = StatusRunning
	}
	status := p.status
	p.mu.Unlock()
	p.publishStatus(status)
	p.nudge()
}

// Run drives the dispatch loop until the context is canceled. Wake-ups come
// from state-transition and media events; a low-frequency poll guarantees
// progress when event delivery is lost.
func (p *Producer) Run(ctx context.Context) error {
	var busC chan events.Event
	if p.bus != nil {
		sub := p.bus.Subscribe(events.TopicVideoStateTransitions, events.TopicMediaEvents)
		defer p.bus.Unsubscribe(sub.ID)
		busC = sub.C
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.dispatch(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.wake:
		case _, ok := <-busC:
			if !ok {
				busC = nil
			}
		}
	}
}

// dispatch performs one dispatch attempt: gather a batch, check worker
// availability, and hand it over.
func (p *Producer) dispatch(ctx context.Context) {
	p.mu.Lock()
	if p.status == StatusPaused || p.status == StatusPausing || p.status == StatusProcessing {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	demand := p.consumer.Demand()
	if demand <= 0 {
		// Force-dispatch a single item so an idle worker advances.
		demand = 1
	}

	batch := p.gather(ctx, demand)
	if len(batch) == 0 {
		p.setStatus(StatusIdle)
		return
	}

	actx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	available := p.consumer.Available(actx)
	cancel()
	if !available {
		p.requeue(batch)
		p.setStatus(StatusRunning)
		return
	}

	p.setStatus(StatusProcessing)
	if err := p.consumer.Process(ctx, batch); err != nil {
		p.logger.Warn("batch processing returned error",
			"batch", len(batch),
			"error", err,
		)
	}

	p.mu.Lock()
	if p.status == StatusPausing {
		p.status = StatusPaused
	} else if p.status == StatusProcessing {
		p.status = StatusRunning
	}
	status := p.status
	p.mu.Unlock()
	p.publishStatus(status)

	// More work may already be eligible.
	p.nudge()
}

// gather drains the manual queue LIFO first, then tops up from the store
// preserving database order. Duplicates between the two are dropped.
func (p *Producer) gather(ctx context.Context, demand int) []*models.Video {
	batch := make([]*models.Video, 0, demand)
	seen := make(map[uint]bool, demand)

	p.mu.Lock()
	for len(batch) < demand && len(p.manual) > 0 {
		last := len(p.manual) - 1
		v := p.manual[last]
		p.manual = p.manual[:last]
		if seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		batch = append(batch, v)
	}
	p.mu.Unlock()

	if len(batch) < demand && p.source != nil {
		fromStore, err := p.source(ctx, demand-len(batch))
		if err != nil {
			p.logger.Error("queue query failed", "error", err)
			return batch
		}
		for _, v := range fromStore {
			if seen[v.ID] {
				continue
			}
			seen[v.ID] = true
			batch = append(batch, v)
		}
	}
	return batch
}

// requeue returns an undispatched batch to the manual queue so nothing is
// lost when the worker is unavailable. Order is restored so the next gather
// pops the same items first.
func (p *Producer) requeue(batch []*models.Video) {
	p.mu.Lock()
	for i := len(batch) - 1; i >= 0; i-- {
		p.manual = append(p.manual, batch[i])
	}
	p.mu.Unlock()
}

// nudge schedules a dispatch attempt without blocking.
func (p *Producer) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Producer) setStatus(status Status) {
	p.mu.Lock()
	changed := p.status != status
	if changed {
		p.status = status
	}
	p.mu.Unlock()
	if changed {
		p.publishStatus(status)
	}
}

func (p *Producer) publishStatus(status Status) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Topic:   p.topic,
		Type:    events.TypeWorkerStatus,
		Payload: map[string]any{"producer": p.name, "status": string(status)},
	})
}
