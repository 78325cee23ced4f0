// Package payments reconciles external payment-processor events with
// the credit ledger, and runs the scheduled auto-topup loop.
//
// The processor SDK itself is out of scope; the core talks to it only
// through the Processor interface, and the host adapts Stripe, PayRam
// or anything else behind it.
package payments

import (
	"context"
	"errors"
)

// Canonical webhook event types the reconciler understands.
const (
	EventCheckoutCompleted      = "checkout.completed"
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventSubscriptionUpdated    = "subscription.updated"
	EventCustomerCreated        = "customer.created"
	EventCustomerDeleted        = "customer.deleted"
)

// ErrInvalidSignature rejects webhooks whose signature check failed.
// Nothing is processed in that case.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrUnknownEvent marks event types the reconciler does not handle;
// the caller acknowledges them without side effects.
var ErrUnknownEvent = errors.New("unhandled webhook event type")

// Event is the canonical projection of a processor webhook payload.
type Event struct {
	Type                string
	TenantID            string
	ProcessorCustomerID string
	AmountCents         int64
	ReferenceID         string
	Tier                string
	Metadata            map[string]string
}

// PaymentMethod is the minimal method summary the core relays.
type PaymentMethod struct {
	ID    string
	Brand string
	Last4 string
}

// Processor is the outbound payment-processor boundary.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, tenantID string, amountCents int64) (url string, err error)
	CreatePortalSession(ctx context.Context, tenantID string) (url string, err error)
	SetupPaymentMethod(ctx context.Context, tenantID string) (url string, err error)
	ListPaymentMethods(ctx context.Context, tenantID string) ([]PaymentMethod, error)
	// Charge bills a stored payment method. The returned reference id
	// ties the eventual webhook back to this charge.
	Charge(ctx context.Context, tenantID string, amountCents int64, reason string) (referenceID string, err error)
	// DeleteCustomer is best-effort cleanup during tenant deletion.
	DeleteCustomer(ctx context.Context, processorCustomerID string) error
}
