package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Recovery triggers.
const (
	TriggerHeartbeatTimeout = "heartbeat_timeout"
	TriggerManual           = "manual"
)

// Recovery event statuses. in_progress moves to completed when every
// tenant recovered, otherwise partial; retrying waiting items can move
// partial to completed.
const (
	RecoveryInProgress = "in_progress"
	RecoveryCompleted  = "completed"
	RecoveryPartial    = "partial"
)

// Recovery item statuses.
const (
	ItemPending   = "pending"
	ItemRecovered = "recovered"
	ItemFailed    = "failed"
	ItemWaiting   = "waiting"
)

// RecoveryEvent is one node-loss recovery run.
type RecoveryEvent struct {
	ID             string
	NodeID         string
	Trigger        string
	Status         string
	TenantsTotal   int
	TenantsOK      int
	TenantsFailed  int
	TenantsWaiting int
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// RecoveryItem is one tenant's recovery within an event.
type RecoveryItem struct {
	EventID    string
	TenantID   string
	SourceNode string
	TargetNode string
	BackupKey  string
	Status     string
	Reason     string
}

// Orchestrator moves tenants off failed nodes. Target selection is
// lowest-load among active nodes; per-tenant outcomes never abort the
// run.
type Orchestrator struct {
	db        *sql.DB
	registry  *Registry
	commander Commander
}

func NewOrchestrator(db *sql.DB, registry *Registry, commander Commander) *Orchestrator {
	return &Orchestrator{db: db, registry: registry, commander: commander}
}

// Begin records a recovery event with one pending item per tenant on
// the failed node, then processes every item.
func (o *Orchestrator) Begin(ctx context.Context, nodeID, trigger string) (*RecoveryEvent, error) {
	tenants, err := o.registry.Tenants(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	ev := &RecoveryEvent{
		ID:           uuid.NewString(),
		NodeID:       nodeID,
		Trigger:      trigger,
		Status:       RecoveryInProgress,
		TenantsTotal: len(tenants),
		StartedAt:    time.Now().UTC(),
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO recovery_events (id, node_id, trigger, status, tenants_total, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.NodeID, ev.Trigger, ev.Status, ev.TenantsTotal, ev.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert recovery event: %w", err)
	}

	for _, tenant := range tenants {
		_, err = o.db.ExecContext(ctx, `
			INSERT INTO recovery_items (event_id, tenant_id, source_node, status)
			VALUES ($1, $2, $3, 'pending')`, ev.ID, tenant, nodeID)
		if err != nil {
			return nil, fmt.Errorf("insert recovery item: %w", err)
		}
	}

	slog.Warn("node recovery started", "node", nodeID, "trigger", trigger, "tenants", len(tenants))
	if err := o.process(ctx, ev.ID, []string{ItemPending}); err != nil {
		return nil, err
	}
	return o.GetEvent(ctx, ev.ID)
}

// RetryWaiting re-attempts only the waiting items of an event, for use
// after capacity comes back.
func (o *Orchestrator) RetryWaiting(ctx context.Context, eventID string) (*RecoveryEvent, error) {
	if err := o.process(ctx, eventID, []string{ItemWaiting}); err != nil {
		return nil, err
	}
	return o.GetEvent(ctx, eventID)
}

func (o *Orchestrator) process(ctx context.Context, eventID string, statuses []string) error {
	items, err := o.items(ctx, eventID, statuses)
	if err != nil {
		return err
	}

	for _, item := range items {
		target, backupKey, status, reason := o.recoverTenant(ctx, item)
		_, err := o.db.ExecContext(ctx, `
			UPDATE recovery_items
			SET target_node = NULLIF($3, ''), backup_key = NULLIF($4, ''),
				status = $5, reason = NULLIF($6, ''), updated_at = now()
			WHERE event_id = $1 AND tenant_id = $2`,
			eventID, item.TenantID, target, backupKey, status, reason)
		if err != nil {
			return fmt.Errorf("update recovery item: %w", err)
		}
		if status == ItemRecovered {
			_, err = o.db.ExecContext(ctx,
				`UPDATE bot_instances SET node_id = $2, updated_at = now()
				 WHERE tenant_id = $1 AND node_id = $3`,
				item.TenantID, target, item.SourceNode)
			if err != nil {
				return fmt.Errorf("reassign bot instances: %w", err)
			}
		}
	}
	return o.finalize(ctx, eventID)
}

// recoverTenant attempts one tenant and returns target, backup key,
// item status, and a failure reason.
func (o *Orchestrator) recoverTenant(ctx context.Context, item RecoveryItem) (string, string, string, string) {
	target, err := o.registry.LeastLoadedActive(ctx, item.SourceNode)
	if err != nil {
		slog.Warn("no recovery target available", "tenant", item.TenantID, "source", item.SourceNode)
		return "", "", ItemWaiting, "no eligible target node"
	}

	backupKey, err := o.latestBackupKey(ctx, item.TenantID)
	if err != nil {
		return target, "", ItemFailed, "no usable backup"
	}

	if err := o.commander.BeginRestore(ctx, target, item.TenantID, backupKey); err != nil {
		slog.Error("tenant restore failed", "tenant", item.TenantID, "target", target, "error", err)
		return target, backupKey, ItemFailed, err.Error()
	}

	slog.Info("tenant recovered", "tenant", item.TenantID, "from", item.SourceNode, "to", target)
	return target, backupKey, ItemRecovered, ""
}

func (o *Orchestrator) latestBackupKey(ctx context.Context, tenantID string) (string, error) {
	var key string
	err := o.db.QueryRowContext(ctx, `
		SELECT object_key FROM container_backups
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT 1`, tenantID).Scan(&key)
	if err != nil {
		return "", err
	}
	return key, nil
}

// finalize recomputes the event counters and status from its items.
func (o *Orchestrator) finalize(ctx context.Context, eventID string) error {
	var ok, failed, waiting, pending int
	err := o.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'recovered'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'waiting'),
		       COUNT(*) FILTER (WHERE status = 'pending')
		FROM recovery_items WHERE event_id = $1`, eventID).
		Scan(&ok, &failed, &waiting, &pending)
	if err != nil {
		return fmt.Errorf("count recovery items: %w", err)
	}

	status := RecoveryPartial
	if failed == 0 && waiting == 0 && pending == 0 {
		status = RecoveryCompleted
	}

	report, _ := json.Marshal(map[string]int{
		"recovered": ok, "failed": failed, "waiting": waiting,
	})
	_, err = o.db.ExecContext(ctx, `
		UPDATE recovery_events
		SET status = $2, tenants_ok = $3, tenants_failed = $4, tenants_waiting = $5,
			completed_at = now(), report = $6
		WHERE id = $1`, eventID, status, ok, failed, waiting, report)
	if err != nil {
		return fmt.Errorf("finalize recovery event: %w", err)
	}

	slog.Info("node recovery finished", "event", eventID, "status", status,
		"recovered", ok, "failed", failed, "waiting", waiting)
	return nil
}

// GetEvent reads one recovery event.
func (o *Orchestrator) GetEvent(ctx context.Context, eventID string) (*RecoveryEvent, error) {
	var ev RecoveryEvent
	err := o.db.QueryRowContext(ctx, `
		SELECT id, node_id, trigger, status, tenants_total, tenants_ok,
		       tenants_failed, tenants_waiting, started_at, completed_at
		FROM recovery_events WHERE id = $1`, eventID).
		Scan(&ev.ID, &ev.NodeID, &ev.Trigger, &ev.Status, &ev.TenantsTotal,
			&ev.TenantsOK, &ev.TenantsFailed, &ev.TenantsWaiting, &ev.StartedAt, &ev.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("read recovery event: %w", err)
	}
	return &ev, nil
}

// Items returns the items of an event.
func (o *Orchestrator) Items(ctx context.Context, eventID string) ([]RecoveryItem, error) {
	return o.items(ctx, eventID, nil)
}

func (o *Orchestrator) items(ctx context.Context, eventID string, statuses []string) ([]RecoveryItem, error) {
	q := `
		SELECT event_id, tenant_id, source_node, COALESCE(target_node, ''),
		       COALESCE(backup_key, ''), status, COALESCE(reason, '')
		FROM recovery_items WHERE event_id = $1`
	args := []any{eventID}
	if len(statuses) > 0 {
		q += ` AND status = ANY($2)`
		args = append(args, pq.Array(statuses))
	}
	q += ` ORDER BY tenant_id`

	rows, err := o.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list recovery items: %w", err)
	}
	defer rows.Close()

	var out []RecoveryItem
	for rows.Next() {
		var it RecoveryItem
		if err := rows.Scan(&it.EventID, &it.TenantID, &it.SourceNode,
			&it.TargetNode, &it.BackupKey, &it.Status, &it.Reason); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
