package payments

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/backend/internal/events"
)

// Schedule is one tenant's auto-topup configuration.
type Schedule struct {
	TenantID      string
	AmountCents   int64
	IntervalHours int
	NextAt        time.Time
	Failures      int
	Enabled       bool
}

// TopupScheduler charges due schedules. The next-run time is advanced
// unconditionally before the charge is attempted so a failing tenant
// cannot be hammered on every tick; the ledger credit itself arrives
// through the webhook path when the processor confirms the charge.
type TopupScheduler struct {
	db          *sql.DB
	processor   Processor
	bus         *events.Bus
	maxFailures int
	interval    time.Duration

	now func() time.Time
}

// NewTopupScheduler wires the auto-topup loop.
func NewTopupScheduler(db *sql.DB, processor Processor, bus *events.Bus, maxFailures int, interval time.Duration) *TopupScheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &TopupScheduler{
		db:          db,
		processor:   processor,
		bus:         bus,
		maxFailures: maxFailures,
		interval:    interval,
		now:         time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *TopupScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.Error("auto-topup pass failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("auto-topup scheduler stopped")
			return
		}
	}
}

// RunOnce processes every schedule that is due.
func (s *TopupScheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, amount_cents, interval_hours, failures
		FROM topup_schedules
		WHERE enabled AND next_at <= $1
		ORDER BY next_at`, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	var due []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.TenantID, &sc.AmountCents, &sc.IntervalHours, &sc.Failures); err != nil {
			rows.Close()
			return fmt.Errorf("scan schedule: %w", err)
		}
		due = append(due, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sc := range due {
		s.process(ctx, sc, now)
	}
	return nil
}

func (s *TopupScheduler) process(ctx context.Context, sc Schedule, now time.Time) {
	// Advance first, whatever happens next.
	next := now.Add(time.Duration(sc.IntervalHours) * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE topup_schedules SET next_at = $2, updated_at = now() WHERE tenant_id = $1`,
		sc.TenantID, next); err != nil {
		slog.Error("advance topup schedule failed", "tenant", sc.TenantID, "error", err)
		return
	}

	ref, err := s.processor.Charge(ctx, sc.TenantID, sc.AmountCents, "auto_topup_schedule")
	if err != nil {
		s.recordFailure(ctx, sc, err)
		return
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE topup_schedules SET failures = 0, updated_at = now() WHERE tenant_id = $1`,
		sc.TenantID); err != nil {
		slog.Error("reset topup failures failed", "tenant", sc.TenantID, "error", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_charges (id, tenant_id, amount_cents, status, reference_id)
		VALUES ($1, $2, $3, 'pending', $4)`,
		uuid.NewString(), sc.TenantID, sc.AmountCents, ref); err != nil {
		slog.Error("record topup charge failed", "tenant", sc.TenantID, "error", err)
	}
	slog.Info("auto-topup charged", "tenant", sc.TenantID, "amount_cents", sc.AmountCents, "ref", ref)
}

func (s *TopupScheduler) recordFailure(ctx context.Context, sc Schedule, cause error) {
	failures := sc.Failures + 1
	disable := failures >= s.maxFailures

	if _, err := s.db.ExecContext(ctx,
		`UPDATE topup_schedules SET failures = $2, enabled = enabled AND NOT $3, updated_at = now() WHERE tenant_id = $1`,
		sc.TenantID, failures, disable); err != nil {
		slog.Error("record topup failure failed", "tenant", sc.TenantID, "error", err)
		return
	}

	slog.Warn("auto-topup charge failed", "tenant", sc.TenantID, "failures", failures, "error", cause)
	s.bus.Publish(events.Event{Type: events.TypeTopupFailed, TenantID: sc.TenantID})
	if disable {
		slog.Warn("auto-topup disabled after repeated failures", "tenant", sc.TenantID, "failures", failures)
		s.bus.Publish(events.Event{Type: events.TypeTopupDisabled, TenantID: sc.TenantID})
	}
}

// Upsert installs or updates a tenant's schedule.
func (s *TopupScheduler) Upsert(ctx context.Context, sc Schedule) error {
	if sc.AmountCents <= 0 || sc.IntervalHours <= 0 {
		return fmt.Errorf("topup schedule needs a positive amount and interval")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topup_schedules (tenant_id, amount_cents, interval_hours, next_at, failures, enabled)
		VALUES ($1, $2, $3, $4, 0, true)
		ON CONFLICT (tenant_id) DO UPDATE SET
			amount_cents = EXCLUDED.amount_cents,
			interval_hours = EXCLUDED.interval_hours,
			next_at = EXCLUDED.next_at,
			failures = 0,
			enabled = true,
			updated_at = now()`,
		sc.TenantID, sc.AmountCents, sc.IntervalHours, sc.NextAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert topup schedule: %w", err)
	}
	return nil
}
