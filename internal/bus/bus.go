// Package bus implements the broadcast event bus shared by the Template
// Source, Pool Client, and Dashboard.
package bus

import (
	"sync"

	"github.com/devvaansh/sv2-jdc/internal/events"
	"go.uber.org/zap"
)

// subscriberCapacity bounds each subscriber's queue. A slow subscriber
// drops its oldest undelivered event rather than stalling publishers.
const subscriberCapacity = 100

// Bus is a multi-producer, multi-consumer fan-out channel. Publishers never
// block; every live subscriber sees every event published after it
// subscribed, in the order a given publisher sent them. There is no
// ordering guarantee across distinct publishers.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[int]chan events.Event
	nextID      int
	lagged      uint64
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger.Named("bus"),
		subscribers: make(map[int]chan events.Event),
	}
}

// Subscription is a handle returned by Subscribe. Events arrives on C;
// Close detaches the subscriber and releases its queue.
type Subscription struct {
	bus *Bus
	id  int
	C   <-chan events.Event
}

// Subscribe registers a new subscriber and returns its independent cursor.
// Only events published after this call are visible on C.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan events.Event, subscriberCapacity)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	return &Subscription{bus: b, id: id, C: ch}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Publish fans an event out to every live subscriber. Non-blocking: a
// subscriber whose queue is full drops the oldest entry to make room,
// rather than stalling the publisher.
func (b *Bus) Publish(ev events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Queue full: drop the oldest event, then retry once.
			select {
			case <-ch:
				b.lagOnce(id)
			default:
			}
			select {
			case ch <- ev:
			default:
				// Still full (a concurrent publisher refilled the freed
				// slot); skip this event.
			}
		}
	}
}

func (b *Bus) lagOnce(subscriberID int) {
	b.logger.Debug("subscriber lagging, dropping oldest event",
		zap.Int("subscriber_id", subscriberID),
	)
}
