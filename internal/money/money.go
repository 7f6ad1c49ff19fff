// Package money provides shared currency parsing, rounding and comparison
// helpers.
//
// Amounts are carried as decimal.Decimal and settled at 2 decimal places.
// Rounding is half away from zero (decimal.Round semantics).
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the currency precision used for every settled amount.
const Places = 2

// Tolerance absorbs rounding drift from proportional commission adjustments
// wherever "fully refunded" or "fully available" is decided.
var Tolerance = decimal.New(1, -Places)

// Zero is the zero amount.
var Zero = decimal.Zero

// Hundred is used to turn a percentage into a ratio.
var Hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "12.50") into an amount rounded to
// currency precision. Returns (Zero, false) on invalid or negative input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Extra fractional digits are rounded half away from zero
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, false
	}
	return Round(d), true
}

// ParseRate parses a non-negative rate such as a percentage. Unlike Parse it
// keeps full precision.
func ParseRate(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return Zero, false
	}
	return d, true
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return d
}

// Format renders an amount with exactly 2 decimal places (e.g. "12.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Round rounds to currency precision, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns round(amount * pct / 100).
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(Hundred))
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Covers reports whether have reaches want within Tolerance.
func Covers(have, want decimal.Decimal) bool {
	return have.GreaterThanOrEqual(want.Sub(Tolerance))
}

// Positive reports whether d is strictly above Tolerance.
func Positive(d decimal.Decimal) bool {
	return d.GreaterThan(Tolerance)
}
