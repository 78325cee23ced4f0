package credits

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/store"
)

// testLedger opens a ledger against TEST_DATABASE_URL, skipping when no
// database is available. Each call works in a fresh tenant namespace so
// tests do not interfere.
func testLedger(t *testing.T) *Ledger {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), db))
	return NewLedger(db)
}

func freshTenant(t *testing.T) string {
	return fmt.Sprintf("t-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestCreditDebitBalance(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)

	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "absent balance row reads as zero")

	txn, err := l.Credit(ctx, tenant, FromCents(1000), TypePurchase, CreditParams{Description: "checkout"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), txn.BalanceAfter.Cents())

	txn, err = l.Debit(ctx, tenant, FromCents(300), TypeBotRuntime, DebitParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(700), txn.BalanceAfter.Cents())
	assert.Equal(t, int64(-300), txn.Amount.Cents(), "debit rows carry negative amounts")

	bal, err = l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(700), bal.Cents())
}

func TestDuplicateReferenceIsIdempotent(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)
	ref := "ref-" + tenant

	_, err := l.Credit(ctx, tenant, FromCents(1000), TypePurchase, CreditParams{ReferenceID: ref})
	require.NoError(t, err)

	_, err = l.Credit(ctx, tenant, FromCents(1000), TypePurchase, CreditParams{ReferenceID: ref})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Cents(), "second application must not change the balance")

	hist, err := l.History(ctx, tenant, HistoryFilter{Limit: 250})
	require.NoError(t, err)
	assert.Len(t, hist, 1, "exactly one transaction with the reference")

	ok, err := l.HasReferenceID(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsufficientBalance(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)

	_, err := l.Credit(ctx, tenant, FromCents(50), TypeSignupGrant, CreditParams{})
	require.NoError(t, err)

	_, err = l.Debit(ctx, tenant, FromCents(100), TypeAdapterUsage, DebitParams{})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Cents(), "failed debit writes nothing")

	// allowNegative drives the balance below zero.
	txn, err := l.Debit(ctx, tenant, FromCents(100), TypeAdapterUsage, DebitParams{AllowNegative: true})
	require.NoError(t, err)
	assert.Equal(t, int64(-50), txn.BalanceAfter.Cents())
}

func TestAllowNegativeCreatesBalanceRow(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)

	txn, err := l.Debit(ctx, tenant, FromCents(25), TypeAdapterUsage, DebitParams{AllowNegative: true})
	require.NoError(t, err)
	assert.Equal(t, int64(-25), txn.BalanceAfter.Cents())

	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(-25), bal.Cents())
}

func TestBalanceEqualsTransactionSum(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)

	_, err := l.Credit(ctx, tenant, FromCents(500), TypePurchase, CreditParams{})
	require.NoError(t, err)
	_, err = l.Debit(ctx, tenant, FromCents(120), TypeBotRuntime, DebitParams{})
	require.NoError(t, err)
	_, err = l.Credit(ctx, tenant, FromCents(30), TypePromo, CreditParams{})
	require.NoError(t, err)

	hist, err := l.History(ctx, tenant, HistoryFilter{Limit: 250})
	require.NoError(t, err)

	var sum Amount
	for _, txn := range hist {
		sum = sum.Add(txn.Amount)
	}
	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, bal, sum, "balance must equal the sum of all transactions")
}

func TestHistoryPaginationAndFilter(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)

	for i := 0; i < 5; i++ {
		_, err := l.Credit(ctx, tenant, FromCents(10), TypePromo, CreditParams{})
		require.NoError(t, err)
	}
	_, err := l.Debit(ctx, tenant, FromCents(5), TypeBotRuntime, DebitParams{})
	require.NoError(t, err)

	page, err := l.History(ctx, tenant, HistoryFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page, 3)

	// Limit is clamped into [1, 250].
	page, err = l.History(ctx, tenant, HistoryFilter{Limit: 100000})
	require.NoError(t, err)
	assert.Len(t, page, 6)

	debits, err := l.History(ctx, tenant, HistoryFilter{Limit: 250, Type: TypeBotRuntime})
	require.NoError(t, err)
	assert.Len(t, debits, 1)
}

func TestMemberUsage(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)

	_, err := l.Credit(ctx, tenant, FromCents(1000), TypePurchase, CreditParams{})
	require.NoError(t, err)
	_, err = l.Debit(ctx, tenant, FromCents(100), TypeAdapterUsage, DebitParams{AttributedUserID: "alice"})
	require.NoError(t, err)
	_, err = l.Debit(ctx, tenant, FromCents(50), TypeAdapterUsage, DebitParams{AttributedUserID: "alice"})
	require.NoError(t, err)
	_, err = l.Debit(ctx, tenant, FromCents(25), TypeBotRuntime, DebitParams{AttributedUserID: "bob"})
	require.NoError(t, err)

	usage, err := l.MemberUsage(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "alice", usage[0].UserID)
	assert.Equal(t, int64(150), usage[0].TotalDebit.Cents())
	assert.Equal(t, 2, usage[0].TransactionCount)
}

func TestRejectsInvalidInput(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	tenant := freshTenant(t)

	_, err := l.Credit(ctx, tenant, 0, TypePurchase, CreditParams{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Debit(ctx, tenant, FromCents(-5), TypeBotRuntime, DebitParams{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Credit(ctx, tenant, FromCents(5), "bot_runtime", CreditParams{})
	assert.Error(t, err, "debit type on the credit path must be rejected")
}
