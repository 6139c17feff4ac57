// Package events provides the in-process pub/sub bus for core state changes.
// The UI shell and the websocket stream are consumers; core components only
// publish. Queues are bounded: when a subscriber falls behind, the oldest
// queued event is dropped and counted, never blocking the publisher.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chainlearn/dalcore/internal/metrics"
)

// Topic identifies an ordered event stream. Ordering is guaranteed within a
// topic only.
type Topic string

const (
	ConfigurationChanged Topic = "configuration.changed"
	DeploymentStatus     Topic = "deployment.status"
	IterationState       Topic = "iteration.state"
	VotingProgress       Topic = "voting.progress"
	ExportCompleted      Topic = "export.completed"
	Failure              Topic = "failure"
)

// DefaultQueueSize is the per-subscriber queue depth when none is configured.
const DefaultQueueSize = 1024

// Event is a single bus message.
type Event struct {
	Topic     Topic       `json:"topic"`
	ProjectID string      `json:"project_id,omitempty"`
	Round     int         `json:"round,omitempty"`
	Summary   string      `json:"summary"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

type subscriber struct {
	id     string
	topics map[Topic]bool // nil = all topics
	ch     chan Event
}

// Bus is a bounded, lossy-on-overflow pub/sub bus.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	queueSize int
	dropped   map[Topic]uint64
}

// NewBus creates a bus with the given per-subscriber queue size.
func NewBus(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[string]*subscriber),
		queueSize: queueSize,
		dropped:   make(map[Topic]uint64),
	}
}

// Publish delivers an event to every subscriber of its topic. When a
// subscriber's queue is full the oldest queued event is discarded to make
// room, so the publisher never blocks and recent events win.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[evt.Topic] {
			continue
		}
		for {
			select {
			case sub.ch <- evt:
			default:
				// Queue full: drop the oldest and retry.
				select {
				case <-sub.ch:
					b.dropped[evt.Topic]++
					metrics.EventsDroppedTotal.WithLabelValues(string(evt.Topic)).Inc()
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a subscriber for the given topics (all topics when
// none are given). Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string, topics ...Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[Topic]bool
	if len(topics) > 0 {
		filter = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			filter[t] = true
		}
	}

	sub := &subscriber{id: id, topics: filter, ch: make(chan Event, b.queueSize)}
	b.subs[id] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the number of events dropped for a topic since start.
func (b *Bus) Dropped(topic Topic) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[topic]
}
