package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Bus fans store lifecycle events out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses events rather than holding
// up the store hook that published them.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]subscription
	bufferSize  int
	dropped     atomic.Uint64
}

// subscription records what a subscriber channel wants to receive. An
// empty filter means every event type.
type subscription struct {
	filter map[EventType]bool
}

func (s subscription) wants(t EventType) bool {
	return len(s.filter) == 0 || s.filter[t]
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]subscription),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe returns a channel receiving every published event.
func (b *Bus) Subscribe() <-chan Event {
	return b.SubscribeTypes()
}

// SubscribeTypes returns a channel receiving only events of the given
// types; with no types it receives everything.
func (b *Bus) SubscribeTypes(types ...EventType) <-chan Event {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[ch] = subscription{filter: filter}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Publish delivers event to every subscriber whose filter matches. If a
// subscriber's buffer is full the event is dropped for that subscriber
// and counted.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel and empties the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
