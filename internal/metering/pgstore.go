package metering

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/botfleet/backend/internal/store"
)

// PostgresEventStore bulk-inserts meter events with COPY into a temp
// table, then folds into meter_events with ON CONFLICT DO NOTHING so a
// replayed batch is a no-op.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) InsertBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TEMP TABLE meter_events_staging
			(LIKE meter_events INCLUDING DEFAULTS)
			ON COMMIT DROP`); err != nil {
			return fmt.Errorf("create staging table: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("meter_events_staging",
			"id", "tenant_id", "capability", "provider", "cost", "charge", "ts", "session_id", "duration_ms"))
		if err != nil {
			return fmt.Errorf("prepare copy: %w", err)
		}
		for _, ev := range events {
			var session any
			if ev.SessionID != "" {
				session = ev.SessionID
			}
			var duration any
			if ev.DurationMS > 0 {
				duration = ev.DurationMS
			}
			if _, err := stmt.ExecContext(ctx, ev.ID, ev.Tenant, ev.Capability, ev.Provider,
				ev.Cost, ev.Charge, ev.Timestamp.UTC(), session, duration); err != nil {
				stmt.Close()
				return fmt.Errorf("copy meter event: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("finish copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("close copy: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meter_events
			SELECT * FROM meter_events_staging
			ON CONFLICT (id) DO NOTHING`); err != nil {
			return fmt.Errorf("fold staging batch: %w", err)
		}
		return nil
	})
}
