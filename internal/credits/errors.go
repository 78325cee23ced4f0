package credits

import "errors"

// Expected failures are sentinel values, not panics; callers branch with
// errors.Is. Storage outages surface verbatim, wrapped.
var (
	// ErrInsufficientBalance is a normal outcome of Debit when the
	// tenant cannot cover the amount and allowNegative is false.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateReference means the reference id was already used by
	// another transaction. Webhook handlers treat it as no-op success.
	ErrDuplicateReference = errors.New("duplicate reference id")

	// ErrInvalidAmount rejects non-positive credit/debit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)
