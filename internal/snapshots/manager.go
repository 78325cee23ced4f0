package snapshots

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/botfleet/backend/internal/config"
)

// Snapshot types and triggers.
const (
	TypeNightly    = "nightly"
	TypeOnDemand   = "on-demand"
	TypePreRestore = "pre-restore"

	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerPreUpdate = "pre_update"
)

var (
	// ErrNotFound covers missing and soft-deleted snapshots alike.
	ErrNotFound = errors.New("snapshot not found")
	// ErrQuotaExceeded rejects on-demand creates past the tier cap,
	// before any work is done.
	ErrQuotaExceeded = errors.New("snapshot quota exceeded")
)

// Snapshot is one backup row. Content lives at StoragePath (plus the
// optional object-store key); the row is the authority for existence.
type Snapshot struct {
	ID          string
	TenantID    string
	InstanceID  string
	UserID      string
	Name        string
	Type        string
	SizeBytes   int64
	NodeID      string
	Trigger     string
	Plugins     []string
	ConfigHash  string
	StoragePath string
	ObjectKey   string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	DeletedAt   *time.Time
}

// CreateParams describes a snapshot to take.
type CreateParams struct {
	TenantID   string
	InstanceID string
	UserID     string
	Name       string
	Type       string
	Trigger    string
	NodeID     string
	Plugins    []string
	SourcePath string
	Tier       string
}

// Manager owns the snapshot lifecycle. objects may be nil (local
// storage only).
type Manager struct {
	db       *sql.DB
	objects  ObjectStore
	basePath string
	tiers    map[string]config.Tier
	hardLag  time.Duration

	now func() time.Time
}

// NewManager wires the snapshot manager.
func NewManager(db *sql.DB, objects ObjectStore, cfg config.SnapshotConfig) *Manager {
	return &Manager{
		db:       db,
		objects:  objects,
		basePath: cfg.BasePath,
		tiers:    cfg.Tiers,
		hardLag:  cfg.HardDeleteLag(),
		now:      time.Now,
	}
}

func (m *Manager) tier(name string) config.Tier {
	if t, ok := m.tiers[name]; ok {
		return t
	}
	// Unknown tiers get the tightest bounds we ship. The quota stays
	// above MaxCount so retention rotation, not the quota, bounds a
	// single instance.
	return config.Tier{MaxCount: 3, RetentionDays: 7, OnDemandQuota: 5}
}

// Create takes a snapshot of SourcePath, writes the row, and enforces
// retention for the instance.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Snapshot, error) {
	tier := m.tier(p.Tier)

	if p.Type == TypeOnDemand && tier.OnDemandQuota > 0 {
		count, err := m.CountByTenant(ctx, p.TenantID, TypeOnDemand)
		if err != nil {
			return nil, err
		}
		if count >= tier.OnDemandQuota {
			return nil, ErrQuotaExceeded
		}
	}

	id := uuid.NewString()
	destPath := filepath.Join(m.basePath, p.TenantID, id)
	size, hash, err := copyContent(p.SourcePath, destPath)
	if err != nil {
		return nil, fmt.Errorf("write snapshot content: %w", err)
	}

	var objectKey string
	if m.objects != nil {
		f, err := os.Open(destPath)
		if err != nil {
			return nil, fmt.Errorf("reopen snapshot content: %w", err)
		}
		objectKey = fmt.Sprintf("snapshots/%s/%s", p.TenantID, id)
		err = m.objects.Put(ctx, objectKey, f)
		f.Close()
		if err != nil {
			// Object upload is redundancy, not the authority.
			slog.Warn("snapshot object upload failed", "id", id, "error", err)
			objectKey = ""
		}
	}

	now := m.now().UTC()
	snap := &Snapshot{
		ID: id, TenantID: p.TenantID, InstanceID: p.InstanceID, UserID: p.UserID,
		Name: p.Name, Type: p.Type, SizeBytes: size, NodeID: p.NodeID,
		Trigger: p.Trigger, Plugins: p.Plugins, ConfigHash: hash,
		StoragePath: destPath, ObjectKey: objectKey, CreatedAt: now,
	}
	if tier.RetentionDays > 0 {
		exp := now.Add(time.Duration(tier.RetentionDays) * 24 * time.Hour)
		snap.ExpiresAt = &exp
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(id, tenant_id, instance_id, user_id, name, type, size_bytes, node_id,
			 trigger, plugins, config_hash, storage_path, object_key, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9, $10, $11, $12, NULLIF($13, ''), $14, $15)`,
		snap.ID, snap.TenantID, snap.InstanceID, snap.UserID, snap.Name, snap.Type,
		snap.SizeBytes, snap.NodeID, snap.Trigger, pq.Array(snap.Plugins),
		snap.ConfigHash, snap.StoragePath, snap.ObjectKey, snap.CreatedAt, snap.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot row: %w", err)
	}

	if err := m.EnforceRetention(ctx, p.InstanceID, p.Tier); err != nil {
		return nil, err
	}
	return snap, nil
}

// Get returns a live snapshot; soft-deleted rows read as not found.
func (m *Manager) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := m.db.QueryRowContext(ctx, selectCols+` WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanSnapshot(row)
}

// Restore replaces targetPath with the snapshot content, after taking
// a pre-restore safety snapshot of the current state. On any failure
// the safety snapshot remains and the restore is reported failed.
func (m *Manager) Restore(ctx context.Context, id, targetPath string) (*Snapshot, error) {
	snap, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	safety, err := m.Create(ctx, CreateParams{
		TenantID:   snap.TenantID,
		InstanceID: snap.InstanceID,
		UserID:     snap.UserID,
		Name:       "pre-restore " + snap.ID,
		Type:       TypePreRestore,
		Trigger:    TriggerPreUpdate,
		SourcePath: targetPath,
		Tier:       "", // safety snapshots bypass on-demand quota
	})
	if err != nil {
		return nil, fmt.Errorf("pre-restore safety snapshot: %w", err)
	}

	if err := atomicReplace(snap.StoragePath, targetPath); err != nil {
		return safety, fmt.Errorf("restore content: %w", err)
	}
	slog.Info("snapshot restored", "id", snap.ID, "instance", snap.InstanceID, "safety", safety.ID)
	return safety, nil
}

// Delete soft-deletes a snapshot.
func (m *Manager) Delete(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE snapshots SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete snapshot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByInstance returns live snapshots for an instance, newest first.
func (m *Manager) ListByInstance(ctx context.Context, instanceID string) ([]Snapshot, error) {
	return m.list(ctx, `WHERE instance_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC, id DESC`, instanceID)
}

// ListByTenant returns live snapshots for a tenant, newest first.
func (m *Manager) ListByTenant(ctx context.Context, tenantID string) ([]Snapshot, error) {
	return m.list(ctx, `WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC, id DESC`, tenantID)
}

// CountByTenant counts live snapshots of a type for a tenant.
func (m *Manager) CountByTenant(ctx context.Context, tenantID, snapType string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE tenant_id = $1 AND type = $2 AND deleted_at IS NULL`,
		tenantID, snapType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// EnforceRetention soft-deletes the oldest live snapshots beyond the
// tier's max count for the instance. Oldest = earliest created_at,
// tie-break on id.
func (m *Manager) EnforceRetention(ctx context.Context, instanceID, tierName string) error {
	tier := m.tier(tierName)
	if tier.MaxCount <= 0 {
		return nil
	}
	res, err := m.db.ExecContext(ctx, `
		UPDATE snapshots SET deleted_at = now()
		WHERE id IN (
			SELECT id FROM snapshots
			WHERE instance_id = $1 AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC
			OFFSET $2
		)`, instanceID, tier.MaxCount)
	if err != nil {
		return fmt.Errorf("enforce retention: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("snapshot retention rotated", "instance", instanceID, "soft_deleted", n)
	}
	return nil
}

// ListExpired returns live snapshots whose expires_at has passed.
func (m *Manager) ListExpired(ctx context.Context, now time.Time) ([]Snapshot, error) {
	return m.list(ctx, `WHERE expires_at IS NOT NULL AND expires_at < $1 AND deleted_at IS NULL ORDER BY expires_at`, now.UTC())
}

const selectCols = `
	SELECT id, tenant_id, instance_id, user_id, COALESCE(name, ''), type, size_bytes,
	       COALESCE(node_id, ''), trigger, COALESCE(plugins, '{}'), config_hash,
	       storage_path, COALESCE(object_key, ''), created_at, expires_at, deleted_at
	FROM snapshots`

func (m *Manager) list(ctx context.Context, where string, args ...any) ([]Snapshot, error) {
	rows, err := m.db.QueryContext(ctx, selectCols+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var s Snapshot
	var plugins pq.StringArray
	err := row.Scan(&s.ID, &s.TenantID, &s.InstanceID, &s.UserID, &s.Name, &s.Type,
		&s.SizeBytes, &s.NodeID, &s.Trigger, &plugins, &s.ConfigHash,
		&s.StoragePath, &s.ObjectKey, &s.CreatedAt, &s.ExpiresAt, &s.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	s.Plugins = plugins
	return &s, nil
}

// copyContent copies src to dst (temp + rename) and returns the byte
// count and sha256 content hash.
func copyContent(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", err
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), in)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, "", err
	}
	if err := out.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// atomicReplace swaps targetPath's content for the snapshot's via a
// sibling temp file and rename.
func atomicReplace(snapshotPath, targetPath string) error {
	in, err := os.Open(snapshotPath)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := targetPath + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, targetPath)
}
