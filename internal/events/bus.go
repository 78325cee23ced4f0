// Package events is the in-process publisher for platform events.
//
// Components that used to take callbacks (balance exhausted, node lost)
// publish here instead; subscribers register once at init time. This
// also breaks the registry <-> recovery dependency cycle: fleet publishes
// node-lost, the recovery orchestrator subscribes.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types owned by the control plane.
const (
	TypeCreditsExhausted = "credits.exhausted"
	TypeBalanceLow       = "credits.low_balance"
	TypeNodeLost         = "fleet.node_lost"
	TypeNodeDrained      = "fleet.node_drained"
	TypeTopupFailed      = "payments.topup_failed"
	TypeTopupDisabled    = "payments.topup_disabled"
)

// Event is one published platform event.
type Event struct {
	ID       string
	Type     string
	TenantID string
	NodeID   string
	// BalanceCents is set on credit events (post-crossing balance).
	BalanceCents int64
	Time         time.Time
	Data         map[string]any
}

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must be fast; anything slow belongs behind a queue.
type Handler func(Event)

// Bus fans events out to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the given event types; with no
// types the handler receives every event. Registration happens during
// component wiring, before any publish.
func (b *Bus) Subscribe(h Handler, types ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		b.all = append(b.all, h)
		return
	}
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// Publish delivers the event to every matching handler, in registration
// order. The event id and time are assigned here if absent.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[ev.Type])+len(b.all))
	matched = append(matched, b.handlers[ev.Type]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	if len(matched) == 0 {
		slog.Debug("event dropped, no subscribers", "type", ev.Type)
		return
	}
	for _, h := range matched {
		h(ev)
	}
}
