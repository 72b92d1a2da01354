package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(testLogger())

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all:"+e.EventType()) })
	bus.Subscribe(EventLockChanged, func(e Event) { order = append(order, "lock") })
	bus.Subscribe(EventCursorMoved, func(e Event) { order = append(order, "cursor") })

	bus.Publish(LockChangedEvent{SectionID: "s1"})

	// 指定类型的订阅者先于通配订阅者
	assert.Equal(t, []string{"lock", "all:" + EventLockChanged}, order)
	assert.Equal(t, 3, bus.Count())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	calls := 0
	id := bus.Subscribe(EventServerError, func(Event) { calls++ })
	other := bus.Subscribe(EventServerError, func(Event) {})

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.NotEqual(t, id, other)

	bus.Publish(ServerErrorEvent{Code: 1})
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, bus.Count())
}

func TestBus_PanicRecovered(t *testing.T) {
	bus := NewBus(testLogger())

	reached := false
	bus.Subscribe(EventContentUpdated, func(Event) { panic("handler bug") })
	bus.Subscribe(EventContentUpdated, func(Event) { reached = true })

	assert.NotPanics(t, func() { bus.Publish(ContentUpdatedEvent{}) })
	assert.True(t, reached)
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(testLogger())
	bus.SubscribeAll(func(Event) { t.Fatal("cleared handler called") })

	bus.Clear()
	bus.Publish(PresenceChangedEvent{})
	assert.Equal(t, 0, bus.Count())
}
