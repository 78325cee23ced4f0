package billing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/credits"
	"github.com/botfleet/backend/internal/events"
	"github.com/botfleet/backend/internal/store"
)

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

func TestSeatDeductionIsIdempotentPerMonth(t *testing.T) {
	db := testDB(t)
	ledger := credits.NewLedger(db)
	ctx := context.Background()
	tenant := fmt.Sprintf("bill-%d", time.Now().UnixNano())

	_, err := ledger.Credit(ctx, tenant, credits.FromCents(2000), credits.TypePurchase,
		credits.CreditParams{ReferenceID: "seed-" + tenant})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = db.Exec(`INSERT INTO bot_instances (id, tenant_id, billing_state) VALUES ($1, $2, 'active')`,
			uuid.NewString(), tenant)
		require.NoError(t, err)
	}

	s := NewSweeper(db, ledger, events.NewBus(), 500, 1, 3)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.DeductSeats(ctx, now))

	balance, err := ledger.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Cents(), "two seats at 500 cents")

	// Running the deduction again in the same month charges nothing.
	require.NoError(t, s.DeductSeats(ctx, now.Add(time.Hour)))
	balance, err = ledger.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Cents())

	// A new month charges again.
	require.NoError(t, s.DeductSeats(ctx, now.AddDate(0, 1, 0)))
	balance, err = ledger.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Cents())
}

func TestSweepSuspendsAndReactivates(t *testing.T) {
	db := testDB(t)
	ledger := credits.NewLedger(db)
	ctx := context.Background()
	tenant := fmt.Sprintf("bill-sus-%d", time.Now().UnixNano())
	bot := uuid.NewString()

	_, err := db.Exec(`INSERT INTO bot_instances (id, tenant_id, billing_state) VALUES ($1, $2, 'active')`,
		bot, tenant)
	require.NoError(t, err)

	// Drive the balance negative; backdate the transactions past the
	// grace window.
	_, err = ledger.Credit(ctx, tenant, credits.FromCents(100), credits.TypePurchase,
		credits.CreditParams{ReferenceID: "seed-" + tenant})
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, tenant, credits.FromCents(150), credits.TypeBotRuntime,
		credits.DebitParams{AllowNegative: true})
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE credit_transactions SET created_at = now() - interval '5 days' WHERE tenant_id = $1`, tenant)
	require.NoError(t, err)

	bus := events.NewBus()
	var lowBalance []string
	bus.Subscribe(func(ev events.Event) {
		lowBalance = append(lowBalance, ev.TenantID)
	}, events.TypeBalanceLow)

	s := NewSweeper(db, ledger, bus, 500, 1, 3)
	now := time.Now().UTC()
	require.NoError(t, s.SweepBillingStates(ctx, now))

	var state string
	var destroyAfter sql.NullTime
	require.NoError(t, db.QueryRow(`SELECT billing_state, destroy_after FROM bot_instances WHERE id = $1`, bot).
		Scan(&state, &destroyAfter))
	assert.Equal(t, "suspended", state)
	require.True(t, destroyAfter.Valid)
	assert.WithinDuration(t, now.Add(30*24*time.Hour), destroyAfter.Time, time.Minute)
	assert.Equal(t, []string{tenant}, lowBalance, "suspension announces the low balance")

	// A top-up brings the tenant back.
	_, err = ledger.Credit(ctx, tenant, credits.FromCents(500), credits.TypePurchase,
		credits.CreditParams{ReferenceID: "topup-" + tenant})
	require.NoError(t, err)
	require.NoError(t, s.SweepBillingStates(ctx, now))

	require.NoError(t, db.QueryRow(`SELECT billing_state FROM bot_instances WHERE id = $1`, bot).Scan(&state))
	assert.Equal(t, "active", state)
}

func TestSweepDestroysAfterGrace(t *testing.T) {
	db := testDB(t)
	ledger := credits.NewLedger(db)
	ctx := context.Background()
	tenant := fmt.Sprintf("bill-dst-%d", time.Now().UnixNano())
	bot := uuid.NewString()

	_, err := db.Exec(`
		INSERT INTO bot_instances (id, tenant_id, billing_state, suspended_at, destroy_after)
		VALUES ($1, $2, 'suspended', now() - interval '31 days', now() - interval '1 day')`, bot, tenant)
	require.NoError(t, err)

	s := NewSweeper(db, ledger, events.NewBus(), 500, 1, 3)
	require.NoError(t, s.SweepBillingStates(ctx, time.Now().UTC()))

	var state string
	require.NoError(t, db.QueryRow(`SELECT billing_state FROM bot_instances WHERE id = $1`, bot).Scan(&state))
	assert.Equal(t, "destroyed", state)
}
