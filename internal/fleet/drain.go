package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/botfleet/backend/internal/events"
)

var ErrSameNode = errors.New("source and target node are the same")

// Drainer empties a node tenant by tenant so it can be taken out of
// rotation. Per-tenant failures are recorded in the result, never
// aborting the drain.
type Drainer struct {
	db        *sql.DB
	registry  *Registry
	commander Commander
	bus       *events.Bus
}

func NewDrainer(db *sql.DB, registry *Registry, commander Commander, bus *events.Bus) *Drainer {
	return &Drainer{db: db, registry: registry, commander: commander, bus: bus}
}

// DrainResult reports one drain run.
type DrainResult struct {
	NodeID   string
	Migrated int
	Total    int
	Failures map[string]string
}

// Drain moves every tenant off the node and marks it drained. The
// node must be active.
func (d *Drainer) Drain(ctx context.Context, nodeID string) (*DrainResult, error) {
	if err := d.registry.SetStatus(ctx, nodeID, StatusDraining); err != nil {
		return nil, err
	}

	tenants, err := d.registry.Tenants(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	res := &DrainResult{NodeID: nodeID, Total: len(tenants), Failures: map[string]string{}}
	if err := d.registry.SetDrainProgress(ctx, nodeID, "migrating", 0, res.Total); err != nil {
		return nil, err
	}

	for _, tenant := range tenants {
		if err := d.migrate(ctx, tenant, nodeID, ""); err != nil {
			slog.Warn("drain migration failed", "node", nodeID, "tenant", tenant, "error", err)
			res.Failures[tenant] = err.Error()
		} else {
			res.Migrated++
		}
		if err := d.registry.SetDrainProgress(ctx, nodeID, "migrating", res.Migrated, res.Total); err != nil {
			return nil, err
		}
	}

	if err := d.registry.SetStatus(ctx, nodeID, StatusDrained); err != nil {
		return nil, err
	}
	if err := d.registry.SetDrainProgress(ctx, nodeID, "done", res.Migrated, res.Total); err != nil {
		return nil, err
	}

	d.bus.Publish(events.Event{Type: events.TypeNodeDrained, NodeID: nodeID})
	slog.Info("node drained", "node", nodeID, "migrated", res.Migrated,
		"failed", len(res.Failures))
	return res, nil
}

// CancelDrain flips a draining node back to active and clears the
// progress fields.
func (d *Drainer) CancelDrain(ctx context.Context, nodeID string) error {
	if err := d.registry.SetStatus(ctx, nodeID, StatusActive); err != nil {
		return err
	}
	return d.registry.SetDrainProgress(ctx, nodeID, "", 0, 0)
}

// MigrateTenant is the single-step admin variant: move one bot to a
// chosen target node.
func (d *Drainer) MigrateTenant(ctx context.Context, botID, targetNodeID string) error {
	var tenantID string
	var sourceNode sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT tenant_id, node_id FROM bot_instances WHERE id = $1`, botID).
		Scan(&tenantID, &sourceNode)
	if err == sql.ErrNoRows {
		return ErrBotNotFound
	}
	if err != nil {
		return fmt.Errorf("read bot instance: %w", err)
	}
	if !sourceNode.Valid || sourceNode.String == "" {
		return fmt.Errorf("bot %s has no node assignment", botID)
	}
	if sourceNode.String == targetNodeID {
		return ErrSameNode
	}
	if _, err := d.registry.Get(ctx, targetNodeID); err != nil {
		return err
	}
	return d.migrate(ctx, tenantID, sourceNode.String, targetNodeID)
}

// migrate moves a tenant from source to target: export fresh state
// from the source agent, restore it on the target, reassign the rows.
// An empty target means pick the least-loaded active node.
func (d *Drainer) migrate(ctx context.Context, tenantID, sourceNode, targetNode string) error {
	if targetNode == "" {
		t, err := d.registry.LeastLoadedActive(ctx, sourceNode)
		if err != nil {
			return err
		}
		targetNode = t
	}

	backupKey, err := d.commander.BeginExport(ctx, sourceNode, tenantID)
	if err != nil {
		return fmt.Errorf("export from %s: %w", sourceNode, err)
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO container_backups (id, tenant_id, node_id, object_key)
		VALUES ($1, $2, $3, $4)`, uuid.NewString(), tenantID, sourceNode, backupKey); err != nil {
		return fmt.Errorf("record migration backup: %w", err)
	}

	if err := d.commander.BeginRestore(ctx, targetNode, tenantID, backupKey); err != nil {
		return fmt.Errorf("restore on %s: %w", targetNode, err)
	}
	if err := d.commander.DrainStep(ctx, sourceNode, tenantID); err != nil {
		// The tenant is already live on the target; log and move on.
		slog.Warn("source teardown failed after migration", "tenant", tenantID,
			"source", sourceNode, "error", err)
	}

	_, err = d.db.ExecContext(ctx, `
		UPDATE bot_instances SET node_id = $2, updated_at = now()
		WHERE tenant_id = $1 AND node_id = $3`, tenantID, targetNode, sourceNode)
	if err != nil {
		return fmt.Errorf("reassign bot instances: %w", err)
	}
	slog.Info("tenant migrated", "tenant", tenantID, "from", sourceNode, "to", targetNode)
	return nil
}
