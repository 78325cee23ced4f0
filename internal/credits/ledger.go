package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/botfleet/backend/internal/store"
)

// Credit transaction types. The sets are closed; the ledger rejects
// anything else.
const (
	TypeSignupGrant       = "signup_grant"
	TypePurchase          = "purchase"
	TypeBounty            = "bounty"
	TypeReferral          = "referral"
	TypePromo             = "promo"
	TypeCommunityDividend = "community_dividend"
	TypeAffiliateBonus    = "affiliate_bonus"
	TypeAffiliateMatch    = "affiliate_match"

	TypeBotRuntime      = "bot_runtime"
	TypeAdapterUsage    = "adapter_usage"
	TypeAddon           = "addon"
	TypeRefund          = "refund"
	TypeCorrection      = "correction"
	TypeResourceUpgrade = "resource_upgrade"
	TypeStorageUpgrade  = "storage_upgrade"
	TypeOnboardingLLM   = "onboarding_llm"
)

var creditTypes = map[string]bool{
	TypeSignupGrant: true, TypePurchase: true, TypeBounty: true,
	TypeReferral: true, TypePromo: true, TypeCommunityDividend: true,
	TypeAffiliateBonus: true, TypeAffiliateMatch: true,
}

var debitTypes = map[string]bool{
	TypeBotRuntime: true, TypeAdapterUsage: true, TypeAddon: true,
	TypeRefund: true, TypeCorrection: true, TypeResourceUpgrade: true,
	TypeStorageUpgrade: true, TypeOnboardingLLM: true,
}

// Transaction is one immutable row of the append-only transaction log.
// Amount is signed: positive = credit, negative = debit.
type Transaction struct {
	ID               string
	TenantID         string
	Amount           Amount
	BalanceAfter     Amount
	Type             string
	Description      string
	ReferenceID      string
	FundingSource    string
	AttributedUserID string
	CreatedAt        time.Time
}

// CreditParams carries the optional fields of a credit.
type CreditParams struct {
	Description      string
	ReferenceID      string
	FundingSource    string
	AttributedUserID string
}

// DebitParams carries the optional fields of a debit.
type DebitParams struct {
	Description      string
	ReferenceID      string
	AllowNegative    bool
	AttributedUserID string
}

// MemberUsage is the per-user debit attribution roll-up.
type MemberUsage struct {
	UserID           string
	TotalDebit       Amount
	TransactionCount int
}

// HistoryFilter bounds History pagination. Limit is clamped to [1, 250].
type HistoryFilter struct {
	Limit  int
	Offset int
	Type   string
}

// Ledger is the financial source of truth. Every mutation pairs the
// balance row with a transaction row inside one database transaction.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger over the shared database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Credit adds amount to the tenant's balance. Fails with
// ErrDuplicateReference if the reference id was already used.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount Amount, txType string, p CreditParams) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !creditTypes[txType] {
		return nil, fmt.Errorf("unknown credit type %q", txType)
	}
	return l.apply(ctx, tenantID, amount, txType, p.Description, p.ReferenceID, p.FundingSource, p.AttributedUserID, true)
}

// Debit subtracts amount from the tenant's balance. Without
// AllowNegative it fails with ErrInsufficientBalance when the balance
// cannot cover the amount; nothing is written in that case.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount Amount, txType string, p DebitParams) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !debitTypes[txType] {
		return nil, fmt.Errorf("unknown debit type %q", txType)
	}
	return l.apply(ctx, tenantID, -amount, txType, p.Description, p.ReferenceID, "", p.AttributedUserID, p.AllowNegative)
}

// apply performs the balance upsert + transaction insert atomically.
// delta is signed; allowNegative only matters for debits.
func (l *Ledger) apply(ctx context.Context, tenantID string, delta Amount, txType, description, referenceID, fundingSource, attributedUserID string, allowNegative bool) (*Transaction, error) {
	txn := &Transaction{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		Amount:           delta,
		Type:             txType,
		Description:      description,
		ReferenceID:      referenceID,
		FundingSource:    fundingSource,
		AttributedUserID: attributedUserID,
	}

	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var old int64
		err := tx.QueryRowContext(ctx,
			`SELECT amount FROM credit_balances WHERE tenant_id = $1 FOR UPDATE`,
			tenantID).Scan(&old)
		if err == sql.ErrNoRows {
			old = 0
		} else if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		newBal := Amount(old).Add(delta)
		if delta < 0 && !allowNegative && Amount(old).LessThan(-delta) {
			return ErrInsufficientBalance
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_balances (tenant_id, amount, last_updated)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id) DO UPDATE
			SET amount = EXCLUDED.amount, last_updated = EXCLUDED.last_updated`,
			tenantID, newBal.Raw(), now)
		if err != nil {
			return fmt.Errorf("upsert balance: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions
				(id, tenant_id, amount, balance_after, type, description, reference_id, funding_source, attributed_user_id, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)`,
			txn.ID, tenantID, delta.Raw(), newBal.Raw(), txType,
			description, referenceID, fundingSource, attributedUserID, now)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateReference
			}
			return fmt.Errorf("insert transaction: %w", err)
		}

		txn.BalanceAfter = newBal
		txn.CreatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("ledger applied", "tenant", tenantID, "type", txType, "delta_cents", delta.Cents(), "balance_cents", txn.BalanceAfter.Cents())
	return txn, nil
}

// Balance returns the tenant's balance; an absent row reads as zero.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (Amount, error) {
	var raw int64
	err := l.db.QueryRowContext(ctx,
		`SELECT amount FROM credit_balances WHERE tenant_id = $1`, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return Amount(raw), nil
}

// HasReferenceID reports whether any transaction carries ref. It is a
// cheap probe only; the unique index is the real guard.
func (l *Ledger) HasReferenceID(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE reference_id = $1)`, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("reference probe: %w", err)
	}
	return exists, nil
}

// History pages over the tenant's transactions, newest first.
func (l *Ledger) History(ctx context.Context, tenantID string, f HistoryFilter) ([]Transaction, error) {
	limit := f.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > 250 {
		limit = 250
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, tenant_id, amount, balance_after, type,
		       COALESCE(description, ''), COALESCE(reference_id, ''),
		       COALESCE(funding_source, ''), COALESCE(attributed_user_id, ''), created_at
		FROM credit_transactions
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Type != "" {
		query += ` AND type = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, f.Type, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var amt, after int64
		if err := rows.Scan(&t.ID, &t.TenantID, &amt, &after, &t.Type,
			&t.Description, &t.ReferenceID, &t.FundingSource, &t.AttributedUserID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		t.Amount, t.BalanceAfter = Amount(amt), Amount(after)
		out = append(out, t)
	}
	return out, rows.Err()
}

// MemberUsage groups the tenant's debits by attributed user.
func (l *Ledger) MemberUsage(ctx context.Context, tenantID string) ([]MemberUsage, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT COALESCE(attributed_user_id, ''), SUM(-amount), COUNT(*)
		FROM credit_transactions
		WHERE tenant_id = $1 AND amount < 0
		GROUP BY attributed_user_id
		ORDER BY SUM(-amount) DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("member usage query: %w", err)
	}
	defer rows.Close()

	var out []MemberUsage
	for rows.Next() {
		var u MemberUsage
		var total int64
		if err := rows.Scan(&u.UserID, &total, &u.TransactionCount); err != nil {
			return nil, fmt.Errorf("member usage scan: %w", err)
		}
		u.TotalDebit = Amount(total)
		out = append(out, u)
	}
	return out, rows.Err()
}

// TenantsWithBalance lists tenants whose balance is strictly positive,
// for the periodic seat deduction.
func (l *Ledger) TenantsWithBalance(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tenant_id FROM credit_balances WHERE amount > 0 ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("tenants query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
