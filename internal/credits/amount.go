// Package credits implements the platform's financial core: the exact
// credit amount type and the transactional credit ledger.
//
// 1 credit = 1 US cent. Internally one cent is 10^7 raw units
// (nano-dollars), stored as int64 everywhere including the database.
package credits

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RawPerCent is the number of raw units in one cent.
const RawPerCent int64 = 10_000_000

// Amount is a signed, exact credit amount in raw units.
// The zero value is a real zero amount.
type Amount int64

// FromCents converts whole cents to an Amount.
func FromCents(cents int64) Amount {
	return Amount(cents * RawPerCent)
}

// FromDollars parses a decimal dollar string ("12.34") into an Amount.
// The input must be exact; no float ever enters the conversion.
func FromDollars(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid dollar amount %q: %w", s, err)
	}
	raw := d.Mul(decimal.NewFromInt(100 * RawPerCent))
	if !raw.IsInteger() {
		return 0, fmt.Errorf("dollar amount %q is finer than one raw unit", s)
	}
	return Amount(raw.IntPart()), nil
}

// FromUSDWithMargin computes the tenant charge for a wholesale cost in
// USD multiplied by a margin. This is the single rounding point in the
// system: the result is rounded half-away-from-zero to raw units.
func FromUSDWithMargin(costUSD float64, margin float64) Amount {
	raw := decimal.NewFromFloat(costUSD).
		Mul(decimal.NewFromFloat(margin)).
		Mul(decimal.NewFromInt(100 * RawPerCent))
	// decimal.Round rounds half away from zero.
	return Amount(raw.Round(0).IntPart())
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return a - b }

// MulScalar multiplies by an integer scalar (seat counts, months).
func (a Amount) MulScalar(n int64) Amount { return Amount(int64(a) * n) }

func (a Amount) IsZero() bool             { return a == 0 }
func (a Amount) IsNegative() bool         { return a < 0 }
func (a Amount) GreaterThan(b Amount) bool { return a > b }
func (a Amount) LessThan(b Amount) bool    { return a < b }

// Cents truncates toward zero to whole cents.
func (a Amount) Cents() int64 { return int64(a) / RawPerCent }

// Raw exposes the raw unit count for storage.
func (a Amount) Raw() int64 { return int64(a) }

// FromRaw wraps a stored raw unit count.
func FromRaw(raw int64) Amount { return Amount(raw) }

// String renders a display value like "$12.34" or "-$0.05".
func (a Amount) String() string {
	cents := int64(a) / RawPerCent
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	} else if a < 0 {
		// Sub-cent negative amounts still show the sign.
		neg = "-"
	}
	return fmt.Sprintf("%s$%d.%02d", neg, cents/100, cents%100)
}
