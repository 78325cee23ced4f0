package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/config"
	"github.com/botfleet/backend/internal/credits"
	"github.com/botfleet/backend/internal/events"
	"github.com/botfleet/backend/internal/metering"
)

// fakeLedger applies debits against an in-memory balance.
type fakeLedger struct {
	balance credits.Amount
	debits  []credits.Amount
}

func (f *fakeLedger) Balance(ctx context.Context, tenantID string) (credits.Amount, error) {
	return f.balance, nil
}

func (f *fakeLedger) Debit(ctx context.Context, tenantID string, amount credits.Amount, txType string, p credits.DebitParams) (*credits.Transaction, error) {
	f.balance = f.balance.Sub(amount)
	f.debits = append(f.debits, amount)
	return &credits.Transaction{
		TenantID:     tenantID,
		Amount:       -amount,
		BalanceAfter: f.balance,
		Type:         txType,
	}, nil
}

type fakeMeter struct {
	events []metering.Event
}

func (f *fakeMeter) Emit(ev metering.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func newTestGate(t *testing.T, balanceCents int64) (*Gate, *fakeLedger, *fakeMeter, *events.Bus) {
	t.Helper()
	margins, err := NewMarginTable(nil, 1.0)
	require.NoError(t, err)
	ledger := &fakeLedger{balance: credits.FromCents(balanceCents)}
	meter := &fakeMeter{}
	bus := events.NewBus()
	return NewGate(ledger, meter, bus, nil, margins, 50), ledger, meter, bus
}

func TestPreCheckBoundaries(t *testing.T) {
	cases := []struct {
		name         string
		balanceCents int64
		estimate     int64
		allowed      bool
		grace        bool
		reason       string
	}{
		{"covers estimate", 500, 100, true, false, ""},
		{"zero estimate small balance", 5, 0, true, false, ""},
		{"non-negative but short", 5, 10, false, false, ReasonInsufficientCredits},
		{"zero balance nonzero estimate", 0, 1, false, false, ReasonInsufficientCredits},
		{"inside grace buffer", -10, 10, true, true, ""},
		{"one cent above -grace", -49, 10, true, true, ""},
		{"exactly -grace is rejected", -50, 0, false, false, ReasonCreditsExhausted},
		{"below -grace", -500, 0, false, false, ReasonCreditsExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate, _, _, _ := newTestGate(t, tc.balanceCents)
			d, err := gate.PreCheck(context.Background(), "t1", tc.estimate)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.grace, d.Grace)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.balanceCents, d.BalanceCents)
		})
	}
}

func TestPostDebitChargesAndMeters(t *testing.T) {
	gate, ledger, meter, _ := newTestGate(t, 500)

	txn, err := gate.PostDebit(context.Background(), "t1", Usage{
		Capability: "chat",
		Provider:   "x",
		CostUSD:    0.10,
		Duration:   2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(490), txn.BalanceAfter.Cents())
	assert.Equal(t, int64(490), ledger.balance.Cents())

	require.Len(t, meter.events, 1)
	assert.Equal(t, "chat", meter.events[0].Capability)
	assert.Equal(t, credits.FromCents(10).Raw(), meter.events[0].Charge)
	assert.Equal(t, credits.FromCents(10).Raw(), meter.events[0].Cost)
	assert.Equal(t, int64(2000), meter.events[0].DurationMS)
}

func TestPostDebitAppliesMargin(t *testing.T) {
	margins, err := NewMarginTable([]config.MarginRule{
		{Provider: "x", Model: "gpt-*", Multiplier: 2.0},
	}, 1.5)
	require.NoError(t, err)

	ledger := &fakeLedger{balance: credits.FromCents(1000)}
	meter := &fakeMeter{}
	gate := NewGate(ledger, meter, events.NewBus(), nil, margins, 50)

	// Matching rule: $0.10 * 2.0 = 20 cents.
	_, err = gate.PostDebit(context.Background(), "t1", Usage{Capability: "chat", Provider: "x", Model: "gpt-4o", CostUSD: 0.10})
	require.NoError(t, err)
	assert.Equal(t, credits.FromCents(20), ledger.debits[0])

	// No rule match falls back to the default margin: 15 cents.
	_, err = gate.PostDebit(context.Background(), "t1", Usage{Capability: "chat", Provider: "y", Model: "claude", CostUSD: 0.10})
	require.NoError(t, err)
	assert.Equal(t, credits.FromCents(15), ledger.debits[1])
}

func TestExhaustedEventFiresOnlyOnCrossing(t *testing.T) {
	gate, _, _, bus := newTestGate(t, 5)

	var fired []int64
	bus.Subscribe(func(ev events.Event) { fired = append(fired, ev.BalanceCents) }, events.TypeCreditsExhausted)

	// 5 - 10 = -5: crossed from positive to <= 0.
	_, err := gate.PostDebit(context.Background(), "t1", Usage{Capability: "chat", Provider: "x", CostUSD: 0.10})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, int64(-5), fired[0])

	// Already negative: further debits must not re-fire.
	_, err = gate.PostDebit(context.Background(), "t1", Usage{Capability: "chat", Provider: "x", CostUSD: 0.10})
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestExhaustedEventNotFiredWhilePositive(t *testing.T) {
	gate, _, _, bus := newTestGate(t, 500)

	var fired int
	bus.Subscribe(func(ev events.Event) { fired++ }, events.TypeCreditsExhausted)

	_, err := gate.PostDebit(context.Background(), "t1", Usage{Capability: "chat", Provider: "x", CostUSD: 0.10})
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestMarginTableValidation(t *testing.T) {
	_, err := NewMarginTable([]config.MarginRule{{Provider: "x", Model: "*", Multiplier: 0.5}}, 1.0)
	assert.Error(t, err, "multiplier below 1.0 must be rejected")

	_, err = NewMarginTable([]config.MarginRule{{Provider: "x", Model: "*", Multiplier: 3.5}}, 1.0)
	assert.Error(t, err, "multiplier above 3.0 must be rejected")
}

func TestGlobMatching(t *testing.T) {
	table, err := NewMarginTable([]config.MarginRule{
		{Provider: "x", Model: "gpt-4*", Multiplier: 2.0},
		{Provider: "x", Model: "*", Multiplier: 1.2},
	}, 1.0)
	require.NoError(t, err)

	assert.Equal(t, 2.0, table.Lookup("x", "gpt-4o-mini"))
	assert.Equal(t, 1.2, table.Lookup("x", "o3"))
	assert.Equal(t, 1.0, table.Lookup("other", "gpt-4o"))

	// Glob metacharacters other than '*' are literal.
	table, err = NewMarginTable([]config.MarginRule{
		{Provider: "x", Model: "m.8b", Multiplier: 1.5},
	}, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, table.Lookup("x", "m.8b"))
	assert.Equal(t, 1.0, table.Lookup("x", "mx8b"), "'.' must not act as a wildcard")
}
