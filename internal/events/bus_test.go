package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedSubscription(t *testing.T) {
	bus := NewBus()

	var exhausted, lost, all int
	bus.Subscribe(func(ev Event) { exhausted++ }, TypeCreditsExhausted)
	bus.Subscribe(func(ev Event) { lost++ }, TypeNodeLost)
	bus.Subscribe(func(ev Event) { all++ })

	bus.Publish(Event{Type: TypeCreditsExhausted, TenantID: "t1", BalanceCents: -5})
	bus.Publish(Event{Type: TypeNodeLost, NodeID: "n1"})
	bus.Publish(Event{Type: TypeBalanceLow, TenantID: "t1"})

	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 3, all)
}

func TestPublishAssignsIDAndTime(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(ev Event) { got = ev }, TypeNodeLost)
	bus.Publish(Event{Type: TypeNodeLost, NodeID: "n1"})

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Time.IsZero())
	assert.Equal(t, "n1", got.NodeID)
}

func TestNoSubscribersIsSafe(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeTopupFailed, TenantID: "t9"})
	})
}
