package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/events"
	"github.com/botfleet/backend/internal/store"
)

type fakeProcessor struct {
	Processor
	charges []int64
	fail    bool
}

func (f *fakeProcessor) Charge(ctx context.Context, tenantID string, amountCents int64, reason string) (string, error) {
	if f.fail {
		return "", errors.New("card declined")
	}
	f.charges = append(f.charges, amountCents)
	return fmt.Sprintf("charge-%d", len(f.charges)), nil
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), db))
	return db
}

func readSchedule(t *testing.T, db *sql.DB, tenant string) Schedule {
	t.Helper()
	var sc Schedule
	err := db.QueryRow(`SELECT tenant_id, amount_cents, interval_hours, next_at, failures, enabled
		FROM topup_schedules WHERE tenant_id = $1`, tenant).
		Scan(&sc.TenantID, &sc.AmountCents, &sc.IntervalHours, &sc.NextAt, &sc.Failures, &sc.Enabled)
	require.NoError(t, err)
	return sc
}

func TestTopupChargesDueSchedules(t *testing.T) {
	db := testDB(t)
	proc := &fakeProcessor{}
	s := NewTopupScheduler(db, proc, events.NewBus(), 3, time.Minute)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	tenant := fmt.Sprintf("topup-%d", now.UnixNano())
	require.NoError(t, s.Upsert(context.Background(), Schedule{
		TenantID: tenant, AmountCents: 2000, IntervalHours: 24, NextAt: now.Add(-time.Minute),
	}))

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []int64{2000}, proc.charges)

	sc := readSchedule(t, db, tenant)
	assert.Zero(t, sc.Failures)
	assert.True(t, sc.Enabled)
	assert.WithinDuration(t, now.Add(24*time.Hour), sc.NextAt, time.Second,
		"next_at advances by the interval")

	// Not due any more: a second pass charges nothing.
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, proc.charges, 1)
}

func TestTopupFailureDisablesAtCap(t *testing.T) {
	db := testDB(t)
	proc := &fakeProcessor{fail: true}
	bus := events.NewBus()
	var disabled int
	bus.Subscribe(func(events.Event) { disabled++ }, events.TypeTopupDisabled)

	s := NewTopupScheduler(db, proc, bus, 3, time.Minute)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	tenant := fmt.Sprintf("topup-fail-%d", now.UnixNano())
	require.NoError(t, s.Upsert(context.Background(), Schedule{
		TenantID: tenant, AmountCents: 2000, IntervalHours: 1, NextAt: now.Add(-time.Minute),
	}))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RunOnce(context.Background()))
		// Re-arm for the next pass; failures must persist.
		_, err := db.Exec(`UPDATE topup_schedules SET next_at = $2 WHERE tenant_id = $1`, tenant, now.Add(-time.Minute))
		require.NoError(t, err)
	}

	sc := readSchedule(t, db, tenant)
	assert.Equal(t, 3, sc.Failures)
	assert.False(t, sc.Enabled, "schedule disabled at the failure cap")
	assert.Equal(t, 1, disabled)

	// Disabled schedules are never picked up again.
	require.NoError(t, s.RunOnce(context.Background()))
	sc = readSchedule(t, db, tenant)
	assert.Equal(t, 3, sc.Failures)
}
