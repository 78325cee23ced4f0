// Package billing runs the recurring money movements that are not
// usage-metered: the monthly seat charge per running bot and the
// suspend/destroy sweep for tenants that stay out of credit.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/botfleet/backend/internal/credits"
	"github.com/botfleet/backend/internal/events"
)

// Sweeper deducts seats and walks delinquent instances through
// active -> suspended -> destroyed.
type Sweeper struct {
	db     *sql.DB
	ledger *credits.Ledger
	bus    *events.Bus

	seatPriceCents   int64
	deductionDay     int
	suspendAfterDays int

	now func() time.Time
}

func NewSweeper(db *sql.DB, ledger *credits.Ledger, bus *events.Bus, seatPriceCents, deductionDay, suspendAfterDays int) *Sweeper {
	if seatPriceCents <= 0 {
		seatPriceCents = 500
	}
	if deductionDay <= 0 || deductionDay > 28 {
		deductionDay = 1
	}
	if suspendAfterDays <= 0 {
		suspendAfterDays = 3
	}
	return &Sweeper{
		db:               db,
		ledger:           ledger,
		bus:              bus,
		seatPriceCents:   int64(seatPriceCents),
		deductionDay:     deductionDay,
		suspendAfterDays: suspendAfterDays,
		now:              time.Now,
	}
}

// Run ticks daily until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.Error("billing sweep failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("billing sweeper stopped")
			return
		}
	}
}

// RunOnce runs the seat deduction (on the configured day of month)
// and the billing-state sweep.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	if now.Day() == s.deductionDay {
		if err := s.DeductSeats(ctx, now); err != nil {
			return err
		}
	}
	return s.SweepBillingStates(ctx, now)
}

// DeductSeats charges every tenant with a balance row one seat price
// per active bot instance. The month tag in the reference id makes the
// charge idempotent per month.
func (s *Sweeper) DeductSeats(ctx context.Context, now time.Time) error {
	tenants, err := s.ledger.TenantsWithBalance(ctx)
	if err != nil {
		return err
	}
	month := now.Format("2006-01")

	for _, tenant := range tenants {
		var seats int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM bot_instances
			WHERE tenant_id = $1 AND billing_state = 'active'`, tenant).Scan(&seats)
		if err != nil {
			return fmt.Errorf("count seats for %s: %w", tenant, err)
		}
		if seats == 0 {
			continue
		}

		amount := credits.FromCents(s.seatPriceCents * int64(seats))
		_, err = s.ledger.Debit(ctx, tenant, amount, credits.TypeBotRuntime, credits.DebitParams{
			Description:   fmt.Sprintf("monthly seat charge, %d bot(s)", seats),
			ReferenceID:   fmt.Sprintf("seat:%s:%s", tenant, month),
			AllowNegative: true,
		})
		switch {
		case err == nil:
			slog.Info("seat charge applied", "tenant", tenant, "seats", seats, "month", month)
		case errors.Is(err, credits.ErrDuplicateReference):
			// Already charged this month.
		default:
			slog.Error("seat charge failed", "tenant", tenant, "error", err)
		}
	}
	return nil
}

// SweepBillingStates suspends active instances of tenants whose
// balance has been exhausted for long enough and schedules destruction
// thirty days after suspension. It walks every balance row; delinquent
// tenants are exactly the ones a positive-balance filter would drop.
func (s *Sweeper) SweepBillingStates(ctx context.Context, now time.Time) error {
	balances, err := s.allBalances(ctx)
	if err != nil {
		return err
	}

	for tenant, balance := range balances {
		if balance.IsNegative() {
			if err := s.suspendIfOverdue(ctx, tenant, now); err != nil {
				return err
			}
			continue
		}
		// Back in credit: lift suspension.
		res, err := s.db.ExecContext(ctx, `
			UPDATE bot_instances
			SET billing_state = 'active', suspended_at = NULL, destroy_after = NULL, updated_at = now()
			WHERE tenant_id = $1 AND billing_state = 'suspended'`, tenant)
		if err != nil {
			return fmt.Errorf("unsuspend %s: %w", tenant, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("tenant instances reactivated", "tenant", tenant, "instances", n)
		}
	}

	// Destroy instances whose grace period ran out.
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_instances SET billing_state = 'destroyed', updated_at = now()
		WHERE billing_state = 'suspended' AND destroy_after IS NOT NULL AND destroy_after < $1`, now)
	if err != nil {
		return fmt.Errorf("destroy overdue instances: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("suspended instances destroyed", "instances", n)
	}
	return nil
}

// allBalances reads every tenant's balance, positive or not. The rows
// are drained before the sweep issues further queries.
func (s *Sweeper) allBalances(ctx context.Context) (map[string]credits.Amount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, amount FROM credit_balances`)
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]credits.Amount)
	for rows.Next() {
		var tenant string
		var raw int64
		if err := rows.Scan(&tenant, &raw); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances[tenant] = credits.Amount(raw)
	}
	return balances, rows.Err()
}

// suspendIfOverdue suspends a tenant's active instances once its
// newest non-negative-balance moment is older than the grace window.
func (s *Sweeper) suspendIfOverdue(ctx context.Context, tenant string, now time.Time) error {
	var lastPositive sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM credit_transactions
		WHERE tenant_id = $1 AND balance_after >= 0`, tenant).Scan(&lastPositive)
	if err != nil {
		return fmt.Errorf("read balance history for %s: %w", tenant, err)
	}
	if lastPositive.Valid && now.Sub(lastPositive.Time) < time.Duration(s.suspendAfterDays)*24*time.Hour {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_instances
		SET billing_state = 'suspended', suspended_at = $2, destroy_after = $3, updated_at = now()
		WHERE tenant_id = $1 AND billing_state = 'active'`,
		tenant, now, now.Add(30*24*time.Hour))
	if err != nil {
		return fmt.Errorf("suspend %s: %w", tenant, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("tenant instances suspended for exhausted credit", "tenant", tenant, "instances", n)
		s.bus.Publish(events.Event{Type: events.TypeBalanceLow, TenantID: tenant})
	}
	return nil
}
