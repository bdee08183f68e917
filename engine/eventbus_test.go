package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestEventBusDelivery(t *testing.T) {
	bus := NewEventBus()
	var all, commands recorder
	bus.Subscribe(all.add)
	bus.SubscribeTypes(commands.add, EventCommand, EventAlarmRaised)

	bus.Emit(Event{Type: EventStatus})
	bus.Emit(Event{Type: EventCommand, Payload: CommandEvent{Panel: "ccm1", Command: CommandReset, Source: "api"}})
	bus.Emit(Event{Type: EventServiceStarted, Payload: ServiceEvent{Kind: ServiceMQTT, Name: "plant"}})
	bus.Emit(Event{Type: EventAlarmRaised})

	assert.Equal(t, []EventType{EventStatus, EventCommand, EventServiceStarted, EventAlarmRaised}, all.types())
	assert.Equal(t, []EventType{EventCommand, EventAlarmRaised}, commands.types())
	assert.Equal(t, "ccm1", commands.events[0].Payload.(CommandEvent).Panel)
}

func TestEventBusTimestamp(t *testing.T) {
	bus := NewEventBus()
	var r recorder
	bus.Subscribe(r.add)

	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	bus.Emit(Event{Type: EventSummary})
	bus.Emit(Event{Type: EventSummary, Timestamp: fixed})

	require.Len(t, r.events, 2)
	assert.False(t, r.events[0].Timestamp.IsZero())
	assert.Equal(t, fixed, r.events[1].Timestamp)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var r recorder
	id := bus.Subscribe(r.add)

	bus.Emit(Event{Type: EventStatus})
	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	bus.Unsubscribe(999)
	bus.Emit(Event{Type: EventStatus})

	assert.Len(t, r.types(), 1)
}

func TestEventBusUnsubscribeFromHandler(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	var id SubscriberID
	id = bus.Subscribe(func(Event) {
		calls++
		bus.Unsubscribe(id)
	})

	bus.Emit(Event{Type: EventAlarms})
	bus.Emit(Event{Type: EventAlarms})
	assert.Equal(t, 1, calls)
}

func TestEventBusConcurrentEmit(t *testing.T) {
	bus := NewEventBus()
	var r recorder
	bus.SubscribeTypes(r.add, EventMotors)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				bus.Emit(Event{Type: EventMotors})
			} else {
				bus.Emit(Event{Type: EventEfficiency})
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.types(), 32)
}

func TestEventTypeNames(t *testing.T) {
	assert.Equal(t, "alarm_raised", EventAlarmRaised.String())
	assert.Equal(t, "force_published", EventForcePublished.String())
	assert.Equal(t, "unknown", EventType(0).String())
}
