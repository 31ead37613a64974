// Package bus provides the in-process event bus that fans execution
// updates out to stream connections and notifiers.
//
// Delivery is at-most-once: events published while a subscriber's
// buffer is full are dropped for that subscriber rather than blocking
// the execution engine.
package bus

import (
	"sync"
	"time"

	"github.com/kilnworks/kiln/pkg/models"
)

// TopicEvents carries every event in the system. Per-run topics narrow
// the stream to one execution.
const TopicEvents = "events"

// TopicRun returns the topic for a single run's updates.
func TopicRun(runID string) string {
	return "run:" + runID
}

const subscriberBuffer = 32

// Bus is a topic-keyed broadcast hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan models.Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan models.Event)}
}

// Subscribe registers a new subscriber on a topic.
func (b *Bus) Subscribe(topic string) <-chan models.Event {
	ch := make(chan models.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(topic string, ch <-chan models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(s)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers an event to every subscriber of the topic.
// Never blocks: slow subscribers lose events.
func (b *Bus) Publish(topic string, evt models.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is too slow
		}
	}
}

// PublishRunEvent publishes an execution update to both the global
// topic and the run's own topic.
func (b *Bus) PublishRunEvent(runID string, evt models.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.Publish(TopicEvents, evt)
	if runID != "" {
		b.Publish(TopicRun(runID), evt)
	}
}

// SubscriberCount reports active subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
