package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/credits"
)

// fakeLedger remembers credits by reference id.
type fakeLedger struct {
	refs    map[string]bool
	credits []credits.Amount
}

func newFakeLedger() *fakeLedger { return &fakeLedger{refs: map[string]bool{}} }

func (f *fakeLedger) HasReferenceID(ctx context.Context, ref string) (bool, error) {
	return f.refs[ref], nil
}

func (f *fakeLedger) Credit(ctx context.Context, tenantID string, amount credits.Amount, txType string, p credits.CreditParams) (*credits.Transaction, error) {
	if p.ReferenceID != "" && f.refs[p.ReferenceID] {
		return nil, credits.ErrDuplicateReference
	}
	f.refs[p.ReferenceID] = true
	f.credits = append(f.credits, amount)
	return &credits.Transaction{TenantID: tenantID, Amount: amount, Type: txType}, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignatureVerification(t *testing.T) {
	r := NewReconciler(nil, newFakeLedger(), "whsec_test")
	body := []byte(`{"type":"checkout.completed","data":{}}`)

	assert.True(t, r.VerifySignature(body, sign("whsec_test", body)))
	assert.False(t, r.VerifySignature(body, sign("wrong_secret", body)))
	assert.False(t, r.VerifySignature(body, "not-hex"))

	_, err := r.HandleWebhook(context.Background(), body, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestProjectStrictParsing(t *testing.T) {
	ev, err := Project([]byte(`{"type":"checkout.completed","data":{"tenant_id":"t1","amount_cents":1000,"reference_id":"ref-A"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventCheckoutCompleted, ev.Type)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, int64(1000), ev.AmountCents)
	assert.Equal(t, "ref-A", ev.ReferenceID)

	// Missing reference id fails closed.
	_, err = Project([]byte(`{"type":"checkout.completed","data":{"tenant_id":"t1","amount_cents":1000}}`))
	assert.Error(t, err)

	// Non-positive amount fails closed.
	_, err = Project([]byte(`{"type":"payment_intent.succeeded","data":{"tenant_id":"t1","amount_cents":0,"reference_id":"r"}}`))
	assert.Error(t, err)

	// Unknown types are surfaced as such, not guessed at.
	_, err = Project([]byte(`{"type":"invoice.finalized","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Project([]byte(`{"type":"subscription.updated","data":{"tenant_id":"t1"}}`))
	assert.Error(t, err, "subscription without tier fails closed")
}

func TestWebhookCreditsOnce(t *testing.T) {
	ledger := newFakeLedger()
	r := NewReconciler(nil, ledger, "whsec_test")
	ctx := context.Background()

	body := []byte(`{"type":"checkout.completed","data":{"tenant_id":"t1","amount_cents":1000,"reference_id":"ref-A"}}`)
	sig := sign("whsec_test", body)

	res, err := r.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, int64(1000), res.CreditedCents)
	assert.Equal(t, "t1", res.Tenant)

	// Replay: handled=true, nothing credited again.
	res, err = r.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Zero(t, res.CreditedCents)
	assert.Len(t, ledger.credits, 1)
}

func TestUnknownEventAcknowledged(t *testing.T) {
	r := NewReconciler(nil, newFakeLedger(), "whsec_test")
	body := []byte(`{"type":"invoice.finalized","data":{}}`)

	res, err := r.HandleWebhook(context.Background(), body, sign("whsec_test", body))
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, "invoice.finalized", res.EventType)
}
