package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/botfleet/backend/internal/credits"
)

// Result reports what a webhook delivery did.
type Result struct {
	Handled       bool   `json:"handled"`
	CreditedCents int64  `json:"credited_cents,omitempty"`
	Tenant        string `json:"tenant,omitempty"`
	EventType     string `json:"event_type"`
}

// Ledger is the slice of the credit ledger the reconciler needs.
type Ledger interface {
	HasReferenceID(ctx context.Context, ref string) (bool, error)
	Credit(ctx context.Context, tenantID string, amount credits.Amount, txType string, p credits.CreditParams) (*credits.Transaction, error)
}

// Reconciler applies processor webhook events to the ledger
// idempotently: the reference id makes replays no-ops.
type Reconciler struct {
	db     *sql.DB
	ledger Ledger
	secret []byte
}

// NewReconciler wires the webhook reconciler.
func NewReconciler(db *sql.DB, ledger Ledger, webhookSecret string) *Reconciler {
	return &Reconciler{db: db, ledger: ledger, secret: []byte(webhookSecret)}
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body with
// constant-time comparison.
func (r *Reconciler) VerifySignature(rawBody []byte, signatureHeader string) bool {
	sig, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(rawBody)
	return hmac.Equal(sig, mac.Sum(nil))
}

// envelope is the outer webhook frame. Per-kind payloads are decoded
// strictly into their own structs; missing fields fail closed.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type checkoutPayload struct {
	TenantID    string `json:"tenant_id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	ReferenceID string `json:"reference_id"`
}

type subscriptionPayload struct {
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id"`
	Tier       string `json:"tier"`
}

type customerPayload struct {
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id"`
}

// Project parses a verified webhook body into the canonical event.
func Project(rawBody []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return Event{}, fmt.Errorf("parse webhook envelope: %w", err)
	}

	switch env.Type {
	case EventCheckoutCompleted, EventPaymentIntentSucceeded:
		var p checkoutPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("parse %s payload: %w", env.Type, err)
		}
		if p.TenantID == "" || p.ReferenceID == "" || p.AmountCents <= 0 {
			return Event{}, fmt.Errorf("%s payload missing tenant, reference or amount", env.Type)
		}
		return Event{Type: env.Type, TenantID: p.TenantID, ProcessorCustomerID: p.CustomerID,
			AmountCents: p.AmountCents, ReferenceID: p.ReferenceID}, nil

	case EventSubscriptionUpdated:
		var p subscriptionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("parse subscription payload: %w", err)
		}
		if p.TenantID == "" || p.Tier == "" {
			return Event{}, errors.New("subscription payload missing tenant or tier")
		}
		return Event{Type: env.Type, TenantID: p.TenantID, ProcessorCustomerID: p.CustomerID, Tier: p.Tier}, nil

	case EventCustomerCreated, EventCustomerDeleted:
		var p customerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("parse customer payload: %w", err)
		}
		if p.TenantID == "" || p.CustomerID == "" {
			return Event{}, errors.New("customer payload missing tenant or customer id")
		}
		return Event{Type: env.Type, TenantID: p.TenantID, ProcessorCustomerID: p.CustomerID}, nil
	}
	return Event{Type: env.Type}, ErrUnknownEvent
}

// HandleWebhook verifies, projects and applies one delivery.
func (r *Reconciler) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (Result, error) {
	if !r.VerifySignature(rawBody, signatureHeader) {
		return Result{}, ErrInvalidSignature
	}

	ev, err := Project(rawBody)
	if errors.Is(err, ErrUnknownEvent) {
		slog.Debug("ignoring webhook event", "type", ev.Type)
		return Result{Handled: false, EventType: ev.Type}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return r.Apply(ctx, ev)
}

// Apply performs the ledger and mapping writes for a canonical event.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	res := Result{EventType: ev.Type, Tenant: ev.TenantID}

	switch ev.Type {
	case EventCheckoutCompleted, EventPaymentIntentSucceeded:
		seen, err := r.ledger.HasReferenceID(ctx, ev.ReferenceID)
		if err != nil {
			return res, err
		}
		if seen {
			res.Handled = true
			return res, nil
		}

		if ev.ProcessorCustomerID != "" {
			if err := r.upsertCustomer(ctx, ev.TenantID, ev.ProcessorCustomerID); err != nil {
				return res, err
			}
		}
		_, err = r.ledger.Credit(ctx, ev.TenantID, credits.FromCents(ev.AmountCents), credits.TypePurchase, credits.CreditParams{
			Description:   "credit purchase",
			ReferenceID:   ev.ReferenceID,
			FundingSource: "processor",
		})
		if errors.Is(err, credits.ErrDuplicateReference) {
			// Lost the race with a concurrent delivery; same outcome.
			res.Handled = true
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res.Handled = true
		res.CreditedCents = ev.AmountCents
		return res, nil

	case EventSubscriptionUpdated:
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tenant_status (tenant_id, tier, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (tenant_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = now()`,
			ev.TenantID, ev.Tier)
		if err != nil {
			return res, fmt.Errorf("update tier: %w", err)
		}
		if ev.ProcessorCustomerID != "" {
			if err := r.upsertCustomer(ctx, ev.TenantID, ev.ProcessorCustomerID); err != nil {
				return res, err
			}
		}
		res.Handled = true
		return res, nil

	case EventCustomerCreated:
		if err := r.upsertCustomer(ctx, ev.TenantID, ev.ProcessorCustomerID); err != nil {
			return res, err
		}
		res.Handled = true
		return res, nil

	case EventCustomerDeleted:
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM processor_customers WHERE tenant_id = $1`, ev.TenantID)
		if err != nil {
			return res, fmt.Errorf("delete customer mapping: %w", err)
		}
		res.Handled = true
		return res, nil
	}
	return res, nil
}

func (r *Reconciler) upsertCustomer(ctx context.Context, tenantID, customerID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processor_customers (tenant_id, customer_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET customer_id = EXCLUDED.customer_id, updated_at = now()`,
		tenantID, customerID)
	if err != nil {
		return fmt.Errorf("upsert customer mapping: %w", err)
	}
	return nil
}
