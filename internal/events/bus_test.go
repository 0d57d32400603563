package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderFilled, 1)
	defer unsub()

	bus.Publish(EventOrderFilled, OrderEvent{OrderID: "o1"})

	got := <-ch
	ev, ok := got.(OrderEvent)
	require.True(t, ok)
	assert.Equal(t, "o1", ev.OrderID)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	bus.Publish(EventPriceTick, 1)
	bus.Publish(EventPriceTick, 2)

	assert.Equal(t, uint64(1), bus.Dropped(EventPriceTick))
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventRuleExecuted, 0)
	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing with no subscribers is a no-op.
	bus.Publish(EventRuleExecuted, RuleEvent{RuleID: "r1"})
}
