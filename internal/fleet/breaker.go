package fleet

import (
	"errors"
	"sync"
	"time"
)

// ErrNodeCircuitOpen rejects agent calls to a node that has failed
// repeatedly; recovery must not hammer a dead agent.
var ErrNodeCircuitOpen = errors.New("node circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type nodeBreaker struct {
	state       breakerState
	consecutive int
	openedAt    time.Time
}

// BreakerSet holds one circuit breaker per node. A node trips open
// after maxFailures consecutive agent-call failures and admits a
// single probe call after cooldown.
type BreakerSet struct {
	mu          sync.Mutex
	nodes       map[string]*nodeBreaker
	maxFailures int
	cooldown    time.Duration

	now func() time.Time
}

func NewBreakerSet(maxFailures int, cooldown time.Duration) *BreakerSet {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerSet{
		nodes:       make(map[string]*nodeBreaker),
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

func (b *BreakerSet) get(nodeID string) *nodeBreaker {
	nb, ok := b.nodes[nodeID]
	if !ok {
		nb = &nodeBreaker{}
		b.nodes[nodeID] = nb
	}
	return nb
}

// Allow reports whether a call to the node may proceed.
func (b *BreakerSet) Allow(nodeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	nb := b.get(nodeID)
	if nb.state == breakerOpen {
		if b.now().Sub(nb.openedAt) < b.cooldown {
			return ErrNodeCircuitOpen
		}
		nb.state = breakerHalfOpen
	}
	return nil
}

// Record feeds a call outcome back into the node's breaker.
func (b *BreakerSet) Record(nodeID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nb := b.get(nodeID)
	if err == nil {
		nb.state = breakerClosed
		nb.consecutive = 0
		return
	}

	nb.consecutive++
	if nb.state == breakerHalfOpen || nb.consecutive >= b.maxFailures {
		nb.state = breakerOpen
		nb.openedAt = b.now()
	}
}

// Reset clears a node's breaker, used when an agent reconnects.
func (b *BreakerSet) Reset(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, nodeID)
}
