// Package money holds the integer minor-unit arithmetic used for purchase order totals.
//
// All amounts are carried as int64 minor units (cents for USD, yen for JPY, fils for BHD).
// Decimal values are display projections derived from minor units at the currency exponent.
package money

import (
	"github.com/shopspring/decimal"
)

// ToDecimal projects a minor-unit amount onto its decimal value at the given exponent.
func ToDecimal(minor int64, exponent int32) decimal.Decimal {
	return decimal.New(minor, -exponent)
}

// ToMinor converts a decimal amount into minor units, rounding half away from zero.
func ToMinor(amount decimal.Decimal, exponent int32) int64 {
	return amount.Shift(exponent).Round(0).IntPart()
}

// MulRound multiplies a minor-unit amount by a decimal factor and rounds to whole minor units.
func MulRound(minor int64, factor decimal.Decimal) int64 {
	return decimal.NewFromInt(minor).Mul(factor).Round(0).IntPart()
}
