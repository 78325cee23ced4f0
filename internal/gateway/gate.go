package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/botfleet/backend/internal/credits"
	"github.com/botfleet/backend/internal/events"
	"github.com/botfleet/backend/internal/metering"
)

// Reject reasons surfaced to the caller. The split lets the UI prompt
// for a top-up (insufficient) distinctly from hard-blocking on the
// wire (exhausted).
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonCreditsExhausted    = "credits_exhausted"
)

// Decision is the pre-check result. No error is involved for expected
// rejections; storage failures come back as a separate error.
type Decision struct {
	Allowed bool
	// Grace marks a permitted call that is riding the grace buffer
	// (balance already below zero but above -grace).
	Grace  bool
	Reason string
	// BalanceCents is the balance the decision was made on.
	BalanceCents int64
}

// Ledger is the slice of the credit ledger the gate needs.
type Ledger interface {
	Balance(ctx context.Context, tenantID string) (credits.Amount, error)
	Debit(ctx context.Context, tenantID string, amount credits.Amount, txType string, p credits.DebitParams) (*credits.Transaction, error)
}

// Gate wraps each billable external call with a pre-flight balance
// check and a post-call debit + meter emission.
type Gate struct {
	ledger  Ledger
	meter   metering.Emitter
	bus     *events.Bus
	cache   *BalanceCache
	margins *MarginTable
	grace   credits.Amount
}

// NewGate wires the credit gate. cache may be nil (no Redis).
func NewGate(ledger Ledger, meter metering.Emitter, bus *events.Bus, cache *BalanceCache, margins *MarginTable, graceBufferCents int64) *Gate {
	return &Gate{
		ledger:  ledger,
		meter:   meter,
		bus:     bus,
		cache:   cache,
		margins: margins,
		grace:   credits.FromCents(graceBufferCents),
	}
}

// PreCheck decides whether a call with the given estimated cost may
// proceed. With balance b, estimate c and grace buffer g:
//
//	b >= c          permit
//	0 <= b < c      reject insufficient_credits
//	-g < b < 0      permit with the grace marker
//	b <= -g         reject credits_exhausted
func (g *Gate) PreCheck(ctx context.Context, tenantID string, estimatedCents int64) (Decision, error) {
	bal, cached := g.cache.Get(ctx, tenantID)
	if !cached {
		var err error
		bal, err = g.ledger.Balance(ctx, tenantID)
		if err != nil {
			return Decision{}, fmt.Errorf("gate balance read: %w", err)
		}
		g.cache.Put(ctx, tenantID, bal)
	}

	estimate := credits.FromCents(estimatedCents)
	d := Decision{BalanceCents: bal.Cents()}
	switch {
	case !bal.LessThan(estimate):
		d.Allowed = true
	case !bal.IsNegative():
		d.Reason = ReasonInsufficientCredits
	case bal.GreaterThan(-g.grace):
		d.Allowed = true
		d.Grace = true
	default:
		d.Reason = ReasonCreditsExhausted
	}
	return d, nil
}

// Usage describes the completed external call being settled.
type Usage struct {
	Capability string
	Provider   string
	Model      string
	CostUSD    float64
	SessionID  string
	Duration   time.Duration
	UserID     string
}

// PostDebit settles a completed call: computes the marked-up charge,
// debits the ledger (negative balances allowed, the call already
// happened), and emits the meter event. When the debit crosses the
// balance from positive to <= 0 it publishes credits.exhausted exactly
// once; crossing is judged on the pre/post pair, not the absolute sign.
func (g *Gate) PostDebit(ctx context.Context, tenantID string, u Usage) (*credits.Transaction, error) {
	margin := g.margins.Lookup(u.Provider, u.Model)
	charge := credits.FromUSDWithMargin(u.CostUSD, margin)
	cost := credits.FromUSDWithMargin(u.CostUSD, 1.0)
	if charge <= 0 {
		// Zero-cost calls still meter, but there is nothing to debit.
		charge = 0
	}

	var txn *credits.Transaction
	if charge > 0 {
		var err error
		txn, err = g.ledger.Debit(ctx, tenantID, charge, credits.TypeAdapterUsage, credits.DebitParams{
			Description:      fmt.Sprintf("%s via %s", u.Capability, u.Provider),
			AllowNegative:    true,
			AttributedUserID: u.UserID,
		})
		if err != nil {
			return nil, fmt.Errorf("gate debit: %w", err)
		}
		g.cache.Invalidate(ctx, tenantID)

		pre := txn.BalanceAfter.Add(charge)
		if pre.GreaterThan(0) && !txn.BalanceAfter.GreaterThan(0) {
			g.bus.Publish(events.Event{
				Type:         events.TypeCreditsExhausted,
				TenantID:     tenantID,
				BalanceCents: txn.BalanceAfter.Cents(),
			})
		}
	}

	ev := metering.Event{
		Tenant:     tenantID,
		Capability: u.Capability,
		Provider:   u.Provider,
		Cost:       cost.Raw(),
		Charge:     charge.Raw(),
		Timestamp:  time.Now().UTC(),
		SessionID:  u.SessionID,
		DurationMS: u.Duration.Milliseconds(),
	}
	if err := g.meter.Emit(ev); err != nil {
		// The debit already happened; losing the meter event is an
		// accounting gap, not a billing one. Log loudly and move on.
		slog.Error("meter emit failed after debit", "tenant", tenantID, "error", err)
	}
	return txn, nil
}
