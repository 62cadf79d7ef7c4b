package bus

import (
	"sync"

	"courier-service/internal/models"
	"courier-service/internal/util"

	"go.uber.org/zap"
)

// Bus is an in-process ordered pub/sub primitive. Topics are keyed by
// order id or driver id. Delivery per subscriber goes through a bounded
// queue: a subscriber that falls behind is dropped, the publisher is
// never blocked.
type Bus struct {
	mu      sync.Mutex
	topics  map[string][]*Subscription
	bufSize int
	logger  *zap.Logger
}

// Subscription is one subscriber's handle on a topic. Events arrive on C()
// in publish order until the subscription is closed.
type Subscription struct {
	topic  string
	ch     chan models.Event
	closed bool
}

// C returns the subscriber's event channel. It is closed when the
// subscription is cancelled or dropped on overflow.
func (s *Subscription) C() <-chan models.Event {
	return s.ch
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

// New creates a bus whose subscriber queues hold bufSize events.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Bus{
		topics:  make(map[string][]*Subscription),
		bufSize: bufSize,
		logger:  util.GetLogger(),
	}
}

// Subscribe attaches a new subscriber to a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan models.Event, b.bufSize),
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe detaches a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// Publish delivers an event to every subscriber of the topic in order.
// A subscriber whose queue is full is dropped rather than backpressuring
// the publisher; missed events are recoverable via the durable snapshot.
func (b *Bus) Publish(topic string, event models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Removal reorders the subscriber slice, so overflowed subscribers
	// are collected during delivery and removed afterwards. Every live
	// subscriber gets exactly one delivery attempt per event.
	var dropped []*Subscription
	for _, sub := range b.topics[topic] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("Dropping slow bus subscriber",
				zap.String("topic", topic))
			util.BusSubscribersDropped.Inc()
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.remove(sub)
	}
	util.BusEventsPublished.WithLabelValues(event.Type).Inc()
}

// SubscriberCount reports the number of live subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// remove must be called with b.mu held.
func (b *Bus) remove(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}
