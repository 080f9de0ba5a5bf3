// Package money provides fixed-point currency amounts and fee arithmetic.
//
// Amounts are decimal values in the currency's major unit (e.g. dollars)
// with two minor-unit places. Binary floats never touch a money value.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places of the supported currencies.
const MinorUnits = 2

// Epsilon is the smallest difference treated as a real discrepancy.
var Epsilon = decimal.New(1, -MinorUnits)

var ErrInvalid = errors.New("money: invalid amount")

// Amount is a currency amount in major units.
type Amount = decimal.Decimal

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string ("1000", "12.50") to an Amount.
//
// Rules:
//   - Empty strings, negatives and non-numeric input are rejected
//   - More than two fractional digits are rejected rather than rounded
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalid
	}
	if d.Exponent() < -MinorUnits && !d.Equal(d.Truncate(MinorUnits)) {
		return Zero, ErrInvalid
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	d, err := Parse(s)
	if err != nil {
		panic("money: bad literal " + s)
	}
	return d
}

// Round rounds to the minor unit, half away from zero (half-up for the
// non-negative amounts this package deals in).
func Round(a Amount) Amount {
	return a.Round(MinorUnits)
}

// ToCents converts an amount to integer minor units for the gateway.
func ToCents(a Amount) int64 {
	return Round(a).Shift(MinorUnits).IntPart()
}

// FromCents converts integer minor units to an Amount.
func FromCents(c int64) Amount {
	return decimal.New(c, -MinorUnits)
}

// Format renders an amount with exactly two fractional digits.
func Format(a Amount) string {
	return a.StringFixed(MinorUnits)
}

// Rate is a fee rate in basis points (1/100 of a percent).
type Rate int64

// Fee returns the fee for amount at this rate, rounded half-up to cents.
func (r Rate) Fee(amount Amount) Amount {
	return Round(amount.Mul(decimal.NewFromInt(int64(r))).Div(decimal.NewFromInt(10000)))
}

// Split returns (fee, net) for amount, where net = amount - fee.
func (r Rate) Split(amount Amount) (fee, net Amount) {
	fee = r.Fee(amount)
	return fee, amount.Sub(fee)
}

// Sum adds amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Differs reports whether a and b disagree by more than Epsilon.
func Differs(a, b Amount) bool {
	return a.Sub(b).Abs().GreaterThan(Epsilon)
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}
