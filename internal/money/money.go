// Package money provides shared amount parsing and formatting.
//
// Every token amount in the system carries 6 fractional digits. Values are
// held as decimal.Decimal and truncated (never rounded up) to that scale so
// arithmetic can't create value out of rounding.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1.50") to an amount.
// Returns (zero, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points and exponents are rejected
//   - Fractional parts are truncated to 6 decimal places
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") || strings.ContainsAny(s, "eE") {
		return decimal.Zero, false
	}
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return Truncate(d), true
}

// ParsePositive parses s and additionally requires a value > 0.
func ParsePositive(s string) (decimal.Decimal, bool) {
	d, ok := Parse(s)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Truncate drops digits beyond the 6th decimal place.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Decimals)
}

// Mul multiplies and truncates.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return Truncate(a.Mul(b))
}

// SubFloor returns a-b, floored at zero.
func SubFloor(a, b decimal.Decimal) decimal.Decimal {
	r := a.Sub(b)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Format renders an amount with exactly 6 decimal places (e.g. "1.500000").
func Format(d decimal.Decimal) string {
	return Truncate(d).StringFixed(Decimals)
}
