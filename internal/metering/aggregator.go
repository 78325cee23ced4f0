package metering

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Aggregator folds settled meter events into billing-period summary
// rows. Each affected period is re-summed in full and UPSERTed, so
// running the aggregation twice yields the same rows. The current
// (incomplete) period is always excluded; periods inside the
// late-arrival grace window are re-scanned on every pass.
type Aggregator struct {
	db       *sql.DB
	period   time.Duration
	grace    time.Duration
	interval time.Duration

	mu  sync.Mutex // at most one aggregation at a time
	now func() time.Time
}

// NewAggregator wires the aggregation loop.
func NewAggregator(db *sql.DB, period, grace, interval time.Duration) *Aggregator {
	return &Aggregator{
		db:       db,
		period:   period,
		grace:    grace,
		interval: interval,
		now:      time.Now,
	}
}

// Aggregate recomputes every complete period inside the grace window.
func (a *Aggregator) Aggregate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	currentStart := PeriodStart(now, a.period)
	// Oldest period we still re-scan for late arrivals.
	rescanFrom := PeriodStart(now.Add(-a.period-a.grace), a.period)

	var periods int
	days := make(map[time.Time]struct{})
	for start := rescanFrom; start.Before(currentStart); start = start.Add(a.period) {
		if err := a.aggregatePeriod(ctx, start); err != nil {
			return fmt.Errorf("aggregate period %s: %w", start.Format(time.RFC3339), err)
		}
		periods++
		y, m, d := start.Date()
		days[time.Date(y, m, d, 0, 0, 0, 0, time.UTC)] = struct{}{}
	}
	for day := range days {
		if err := a.rollupDay(ctx, day); err != nil {
			return fmt.Errorf("roll up day %s: %w", day.Format("2006-01-02"), err)
		}
	}
	if periods > 0 {
		slog.Debug("meter aggregation pass", "periods", periods, "days", len(days))
	}
	return nil
}

func (a *Aggregator) aggregatePeriod(ctx context.Context, start time.Time) error {
	end := start.Add(a.period)
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO billing_period_summaries
			(tenant_id, capability, provider, period_start, period_end,
			 event_count, total_cost, total_charge, total_duration)
		SELECT tenant_id, capability, provider, $1, $2,
		       COUNT(*), SUM(cost), SUM(charge), COALESCE(SUM(duration_ms), 0)
		FROM meter_events
		WHERE ts >= $1 AND ts < $2
		GROUP BY tenant_id, capability, provider
		ON CONFLICT (tenant_id, capability, provider, period_start) DO UPDATE SET
			period_end     = EXCLUDED.period_end,
			event_count    = EXCLUDED.event_count,
			total_cost     = EXCLUDED.total_cost,
			total_charge   = EXCLUDED.total_charge,
			total_duration = EXCLUDED.total_duration`,
		start, end)
	return err
}

// rollupDay re-sums one UTC day's period rows into the per-capability
// daily summary. Like the period upsert, the full re-sum makes the
// rollup idempotent.
func (a *Aggregator) rollupDay(ctx context.Context, day time.Time) error {
	next := day.AddDate(0, 0, 1)
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO usage_summaries (tenant_id, capability, day, event_count, total_charge)
		SELECT tenant_id, capability, $1::date, SUM(event_count), SUM(total_charge)
		FROM billing_period_summaries
		WHERE period_start >= $1 AND period_start < $2
		GROUP BY tenant_id, capability
		ON CONFLICT (tenant_id, capability, day) DO UPDATE SET
			event_count  = EXCLUDED.event_count,
			total_charge = EXCLUDED.total_charge`,
		day, next)
	return err
}

// DailySummary is one tenant's per-capability usage for a UTC day.
type DailySummary struct {
	Tenant      string
	Capability  string
	Day         time.Time
	EventCount  int64
	TotalCharge int64
}

// DailyUsage reads the daily rollup for a tenant in [from, to).
func (a *Aggregator) DailyUsage(ctx context.Context, tenant string, from, to time.Time) ([]DailySummary, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT tenant_id, capability, day, event_count, total_charge
		FROM usage_summaries
		WHERE tenant_id = $1 AND day >= $2::date AND day < $3::date
		ORDER BY day, capability`,
		tenant, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("daily usage query: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var s DailySummary
		if err := rows.Scan(&s.Tenant, &s.Capability, &s.Day, &s.EventCount, &s.TotalCharge); err != nil {
			return nil, fmt.Errorf("daily usage scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Summaries reads the aggregated rows for a tenant in [from, to).
func (a *Aggregator) Summaries(ctx context.Context, tenant string, from, to time.Time) ([]Summary, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT tenant_id, capability, provider, period_start, period_end,
		       event_count, total_cost, total_charge, total_duration
		FROM billing_period_summaries
		WHERE tenant_id = $1 AND period_start >= $2 AND period_start < $3
		ORDER BY period_start, capability, provider`,
		tenant, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("summaries query: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Tenant, &s.Capability, &s.Provider, &s.PeriodStart, &s.PeriodEnd,
			&s.EventCount, &s.TotalCost, &s.TotalCharge, &s.TotalDuration); err != nil {
			return nil, fmt.Errorf("summaries scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
