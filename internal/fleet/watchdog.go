package fleet

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/botfleet/backend/internal/events"
)

// Watchdog scans for active nodes whose heartbeat has gone stale and
// starts recovery for each, at most once per outage.
type Watchdog struct {
	db           *sql.DB
	registry     *Registry
	orchestrator *Orchestrator
	bus          *events.Bus
	interval     time.Duration
	timeout      time.Duration

	now func() time.Time
}

func NewWatchdog(db *sql.DB, registry *Registry, orchestrator *Orchestrator, bus *events.Bus, interval, timeout time.Duration) *Watchdog {
	return &Watchdog{
		db:           db,
		registry:     registry,
		orchestrator: orchestrator,
		bus:          bus,
		interval:     interval,
		timeout:      timeout,
		now:          time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				slog.Error("heartbeat watchdog pass failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("heartbeat watchdog stopped")
			return
		}
	}
}

// Tick runs one watchdog pass.
func (w *Watchdog) Tick(ctx context.Context) error {
	stale, err := w.registry.Stale(ctx, w.now().UTC(), w.timeout)
	if err != nil {
		return err
	}

	for _, node := range stale {
		inFlight, err := w.hasOpenRecovery(ctx, node.ID, node.LastHeartbeatAt)
		if err != nil {
			return err
		}
		if inFlight {
			continue
		}

		slog.Warn("node heartbeat lost", "node", node.ID,
			"last_heartbeat", node.LastHeartbeatAt.Format(time.RFC3339))
		w.bus.Publish(events.Event{Type: events.TypeNodeLost, NodeID: node.ID})

		if _, err := w.orchestrator.Begin(ctx, node.ID, TriggerHeartbeatTimeout); err != nil {
			slog.Error("recovery start failed", "node", node.ID, "error", err)
		}
	}
	return nil
}

// hasOpenRecovery reports whether the node already has a recovery
// event covering this outage, so a still-silent node is not recovered
// again every tick.
func (w *Watchdog) hasOpenRecovery(ctx context.Context, nodeID string, lastHeartbeat time.Time) (bool, error) {
	var n int
	err := w.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recovery_events
		WHERE node_id = $1 AND started_at > $2`, nodeID, lastHeartbeat).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
