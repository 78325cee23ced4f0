// Package fleet tracks the runtime nodes that host bot instances:
// registration and heartbeats, the loss watchdog, tenant recovery onto
// surviving nodes, and administrative drain/migration.
package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Node status values. Forward-only except draining, which may return
// to active on cancel. decommissioned is final.
const (
	StatusActive         = "active"
	StatusDraining       = "draining"
	StatusDrained        = "drained"
	StatusDecommissioned = "decommissioned"
)

var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrBotNotFound       = errors.New("bot instance not found")
	ErrNoTarget          = errors.New("no eligible target node")
	ErrInvalidTransition = errors.New("invalid node status transition")
)

// Node is one runtime host.
type Node struct {
	ID              string
	Status          string
	DrainStatus     string
	DrainMigrated   int
	DrainTotal      int
	LastHeartbeatAt time.Time
	UpdatedAt       time.Time
}

var validTransitions = map[string][]string{
	StatusActive:   {StatusDraining},
	StatusDraining: {StatusActive, StatusDrained},
	StatusDrained:  {StatusDecommissioned},
}

func transitionAllowed(from, to string) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Registry is the relational view of the fleet.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register upserts a node as active with a fresh heartbeat. Nodes
// re-registering after a restart come back active with drain state
// cleared.
func (r *Registry) Register(ctx context.Context, nodeID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, status, last_heartbeat_at, updated_at)
		VALUES ($1, 'active', now(), now())
		ON CONFLICT (id) DO UPDATE SET
			status = 'active',
			drain_status = NULL,
			drain_migrated = NULL,
			drain_total = NULL,
			last_heartbeat_at = now(),
			updated_at = now()`, nodeID)
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// Heartbeat records liveness for a node.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE nodes SET last_heartbeat_at = now() WHERE id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

const nodeCols = `
	SELECT id, status, COALESCE(drain_status, ''), COALESCE(drain_migrated, 0),
	       COALESCE(drain_total, 0), last_heartbeat_at, updated_at
	FROM nodes`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.Status, &n.DrainStatus, &n.DrainMigrated,
		&n.DrainTotal, &n.LastHeartbeatAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	return &n, nil
}

// Get reads one node.
func (r *Registry) Get(ctx context.Context, nodeID string) (*Node, error) {
	return scanNode(r.db.QueryRowContext(ctx, nodeCols+` WHERE id = $1`, nodeID))
}

// List returns every node, stable order.
func (r *Registry) List(ctx context.Context) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx, nodeCols+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// Tenants returns the tenant ids with bot instances on the node.
func (r *Registry) Tenants(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM bot_instances WHERE node_id = $1 ORDER BY tenant_id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list node tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus applies a node status transition, enforcing the state
// machine.
func (r *Registry) SetStatus(ctx context.Context, nodeID, to string) error {
	n, err := r.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.Status == to {
		return nil
	}
	if !transitionAllowed(n.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, to)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE nodes SET status = $2, updated_at = now() WHERE id = $1`, nodeID, to)
	if err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	return nil
}

// SetDrainProgress records drain progress for admin polling.
func (r *Registry) SetDrainProgress(ctx context.Context, nodeID, status string, migrated, total int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET drain_status = NULLIF($2, ''), drain_migrated = $3,
			drain_total = $4, updated_at = now()
		WHERE id = $1`, nodeID, status, migrated, total)
	if err != nil {
		return fmt.Errorf("set drain progress: %w", err)
	}
	return nil
}

// LeastLoadedActive picks the active node with the fewest bot
// instances, excluding the given node. Ties break on id.
func (r *Registry) LeastLoadedActive(ctx context.Context, exclude string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT n.id
		FROM nodes n
		LEFT JOIN bot_instances b ON b.node_id = n.id
		WHERE n.status = 'active' AND n.id <> $1
		GROUP BY n.id
		ORDER BY COUNT(b.id), n.id
		LIMIT 1`, exclude).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNoTarget
	}
	if err != nil {
		return "", fmt.Errorf("pick target node: %w", err)
	}
	return id, nil
}

// Stale returns active nodes whose last heartbeat is older than the
// timeout.
func (r *Registry) Stale(ctx context.Context, now time.Time, timeout time.Duration) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx,
		nodeCols+` WHERE status = 'active' AND last_heartbeat_at < $1 ORDER BY id`,
		now.Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("list stale nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}
