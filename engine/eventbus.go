package engine

import (
	"sync"
	"time"
)

// SubscriberID identifies a subscription for removal.
type SubscriberID uint64

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool
}

// EventBus delivers engine events synchronously to subscribers. Handlers run
// on the emitting goroutine and must not block.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[SubscriberID]subscriber
	nextID SubscriberID
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[SubscriberID]subscriber)}
}

// Subscribe registers fn for every event.
func (b *EventBus) Subscribe(fn func(Event)) SubscriberID {
	return b.SubscribeTypes(fn)
}

// SubscribeTypes registers fn for the listed event types only. No types
// means all events.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) SubscriberID {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = subscriber{fn: fn, types: filter}
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Emit stamps the event and delivers it.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			fns = append(fns, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
