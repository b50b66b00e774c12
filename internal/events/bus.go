// Package events provides the in-process broadcast fabric connecting stage
// workers, producers, and observers. Publishing never blocks: slow
// subscribers drop events, and workers must not depend on delivery for
// correctness.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Topic identifies one broadcast stream.
type Topic string

const (
	// TopicVideoStateTransitions carries every lifecycle state change.
	TopicVideoStateTransitions Topic = "video_state_transitions"
	// TopicMediaEvents carries discovery and analyzer completion events.
	TopicMediaEvents Topic = "media_events"
	// TopicCrfSearchEvents carries CRF search lifecycle and progress events.
	TopicCrfSearchEvents Topic = "crf_search_events"
	// TopicEncodingEvents carries encode lifecycle and progress events.
	TopicEncodingEvents Topic = "encoding_events"
	// TopicAnalyzerEvents carries analyzer throughput and batch-size events.
	TopicAnalyzerEvents Topic = "analyzer_events"
)

// Event type names published on the topics above.
const (
	TypeStateChanged   = "state_changed"
	TypeVideoUpserted  = "video_upserted"
	TypeAnalysisDone   = "analysis_done"
	TypeStarted        = "started"
	TypeProgress       = "progress"
	TypeCompleted      = "completed"
	TypeFailed         = "failed"
	TypeRetrying       = "retrying"
	TypeBatchSized     = "batch_sized"
	TypeThroughput     = "throughput"
	TypeWorkerStatus   = "worker_status"
)

// Event is a single broadcast message.
type Event struct {
	Topic     Topic          `json:"topic"`
	Type      string         `json:"type"`
	VideoID   uint           `json:"video_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription is one subscriber's view of the bus. Events arrive on C until
// Unsubscribe closes it.
type Subscription struct {
	ID     string
	Topics map[Topic]bool
	C      chan Event
}

// wants reports whether the subscription covers the topic. An empty topic set
// means all topics.
func (s *Subscription) wants(topic Topic) bool {
	if len(s.Topics) == 0 {
		return true
	}
	return s.Topics[topic]
}

// subscriberBuffer is the per-subscriber channel depth before drops begin.
const subscriberBuffer = 100

// Bus fans events out to subscribers by topic.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	logger      *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		logger:      logger.With("component", "event_bus"),
	}
}

// Subscribe registers a subscriber for the given topics. No topics means
// every topic.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:     ulid.Make().String(),
		Topics: make(map[Topic]bool, len(topics)),
		C:      make(chan Event, subscriberBuffer),
	}
	for _, t := range topics {
		sub.Topics[t] = true
	}
	b.subscribers[sub.ID] = sub

	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "topics", len(topics))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.C)
		delete(b.subscribers, id)
		b.logger.Debug("subscriber removed", "subscriber_id", id)
	}
}

// Publish delivers the event to every subscriber of its topic. Full
// subscriber channels drop the event rather than blocking the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(event.Topic) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"topic", event.Topic,
				"type", event.Type,
			)
		}
	}
}

// PublishStateChange is a convenience for the transition stream.
func (b *Bus) PublishStateChange(videoID uint, from, to string) {
	b.Publish(Event{
		Topic:   TopicVideoStateTransitions,
		Type:    TypeStateChanged,
		VideoID: videoID,
		Payload: map[string]any{"from": from, "to": to},
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
