package credits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCentsRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 50, 1000, -1000, 123456789} {
		assert.Equal(t, n, FromCents(n).Cents())
	}
}

func TestFromDollars(t *testing.T) {
	a, err := FromDollars("12.34")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), a.Cents())

	a, err = FromDollars("-0.05")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), a.Cents())
	assert.True(t, a.IsNegative())

	// Exact down to a raw unit (10^-9 dollars).
	a, err = FromDollars("0.000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Raw())

	_, err = FromDollars("0.0000000001")
	assert.Error(t, err, "finer than one raw unit must be rejected")

	_, err = FromDollars("nonsense")
	assert.Error(t, err)
}

func TestArithmetic(t *testing.T) {
	a := FromCents(100)
	b := FromCents(30)

	assert.Equal(t, int64(130), a.Add(b).Cents())
	assert.Equal(t, int64(70), a.Sub(b).Cents())
	assert.Equal(t, int64(300), b.MulScalar(10).Cents())
	assert.True(t, a.GreaterThan(b))
	assert.True(t, b.LessThan(a))
	assert.True(t, Amount(0).IsZero())
	assert.False(t, a.IsZero())
}

func TestMarginRounding(t *testing.T) {
	// $0.10 at margin 1.0 is exactly 10 cents.
	assert.Equal(t, int64(10), FromUSDWithMargin(0.10, 1.0).Cents())

	// Half-away-from-zero at the raw-unit boundary.
	// 0.0000000015 dollars * 10^9 raw/dollar = 1.5 raw -> 2 raw.
	assert.Equal(t, int64(2), FromUSDWithMargin(0.0000000015, 1.0).Raw())
	assert.Equal(t, int64(-2), FromUSDWithMargin(-0.0000000015, 1.0).Raw())

	// Typical markup: $0.01 * 1.5 = 1.5 cents = 15_000_000 raw.
	assert.Equal(t, int64(15_000_000), FromUSDWithMargin(0.01, 1.5).Raw())
}

func TestDisplayString(t *testing.T) {
	assert.Equal(t, "$12.34", FromCents(1234).String())
	assert.Equal(t, "$0.05", FromCents(5).String())
	assert.Equal(t, "-$0.50", FromCents(-50).String())
	assert.Equal(t, "$0.00", Amount(0).String())
}
