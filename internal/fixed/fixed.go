// Package fixed implements the engine's decimal arithmetic. Unit and quantity
// values carry Scale fractional digits; raw ledger units carry RawScale.
package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of fractional digits kept for units and quantities.
	Scale int32 = 18
	// RawScale is the number of fractional digits kept for raw ledger units.
	RawScale int32 = 36
)

var (
	// One is 1.0.
	One = decimal.NewFromInt(1)
	// BpsDenominator converts basis points to a fraction.
	BpsDenominator = decimal.NewFromInt(10_000)
	// Ulp is the smallest representable unit at Scale.
	Ulp = decimal.New(1, -Scale)

	rawUlp = decimal.New(1, -RawScale)
)

// Trunc truncates d toward zero at Scale digits.
func Trunc(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// Ceil rounds d toward positive infinity at Scale digits.
func Ceil(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(Scale)
}

// Floor rounds d toward negative infinity at Scale digits.
func Floor(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(Scale)
}

// Mul multiplies and truncates the product at Scale digits.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Div divides and truncates the quotient toward zero at Scale digits.
// b must be non-zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Scale)
	return q
}

// DivCeil divides two non-negative values and rounds the quotient up at
// Scale digits. b must be positive.
func DivCeil(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, Scale)
	if r.Sign() > 0 {
		q = q.Add(Ulp)
	}
	return q
}

// Bps returns trunc(amount * bps / 10000).
func Bps(amount decimal.Decimal, bps int) decimal.Decimal {
	return Div(amount.Mul(decimal.NewFromInt(int64(bps))), BpsDenominator)
}

// RawFromUnit converts a current unit to a raw unit so that
// UnitFromRaw(RawFromUnit(u, m), m) == u for any m <= 1e18.
func RawFromUnit(unit, multiplier decimal.Decimal) decimal.Decimal {
	q, r := unit.QuoRem(multiplier, RawScale)
	if r.Sign() > 0 {
		q = q.Add(rawUlp)
	}
	return q
}

// UnitFromRaw converts a raw unit to the current unit under multiplier.
func UnitFromRaw(raw, multiplier decimal.Decimal) decimal.Decimal {
	return raw.Mul(multiplier).Truncate(Scale)
}

// Parse reads a decimal string, rejecting values with more than Scale
// fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(Scale)) {
		return decimal.Zero, fmt.Errorf("fixed: parse %q: more than %d fractional digits", s, Scale)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Min returns the smallest of the given values.
func Min(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	return decimal.Min(first, rest...)
}
