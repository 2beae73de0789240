package models

import "github.com/shopspring/decimal"

// MinorUnitExponent is the number of decimal places between minor and major units.
const MinorUnitExponent = 2

// FormatMinor renders an amount in minor units as a fixed-point major-unit string.
func FormatMinor(amount int64) string {
	return decimal.New(amount, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}

// MultiplyStake returns stake*multiplier, or false if the product overflows int64.
func MultiplyStake(stake, multiplier int64) (int64, bool) {
	if stake < 0 || multiplier < 0 {
		return 0, false
	}
	product := decimal.NewFromInt(stake).Mul(decimal.NewFromInt(multiplier))
	if !product.IsInteger() || product.GreaterThan(decimal.NewFromInt(maxInt64)) {
		return 0, false
	}
	return product.IntPart(), true
}

const maxInt64 = int64(^uint64(0) >> 1)
