package snapshots

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Sweep runs one soft-delete + hard-delete pass. Expired snapshots are
// soft-deleted first; snapshots soft-deleted longer ago than the hard
// delete lag have their content removed and the row purged.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.now().UTC()

	res, err := m.db.ExecContext(ctx, `
		UPDATE snapshots SET deleted_at = $1
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND deleted_at IS NULL`, now)
	if err != nil {
		return fmt.Errorf("soft delete expired snapshots: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("expired snapshots soft-deleted", "count", n)
	}

	cutoff := now.Add(-m.hardLag)
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, storage_path, COALESCE(object_key, '')
		FROM snapshots WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("list hard-delete candidates: %w", err)
	}
	type victim struct{ id, path, key string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.path, &v.key); err != nil {
			rows.Close()
			return fmt.Errorf("scan hard-delete candidate: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("snapshot content removal failed, will retry next pass", "id", v.id, "error", err)
			continue
		}
		if m.objects != nil && v.key != "" {
			if err := m.objects.Remove(ctx, v.key); err != nil {
				slog.Warn("snapshot object removal failed, will retry next pass", "id", v.id, "error", err)
				continue
			}
		}
		if _, err := m.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, v.id); err != nil {
			return fmt.Errorf("purge snapshot row: %w", err)
		}
		slog.Info("snapshot hard-deleted", "id", v.id)
	}
	return nil
}

// RunSweeper ticks Sweep until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				slog.Error("snapshot sweep failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("snapshot sweeper stopped")
			return
		}
	}
}
