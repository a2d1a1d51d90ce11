// Package quant rounds prices and sizes onto a market's tick/lot grid and
// scales between decimal values and the integer units venues accept.
//
// Convention, applied everywhere in the engine: prices round half-up,
// sizes round down. All arithmetic stays in decimal.Decimal — nothing that
// ends up on the wire ever passes through a float.
package quant

import (
	"github.com/shopspring/decimal"
)

// Tick returns the minimum increment for the given number of decimals,
// i.e. 10^(-decimals).
func Tick(decimals int32) decimal.Decimal {
	return decimal.New(1, -decimals)
}

// Price quantizes v half-up to the market's price decimals.
func Price(v decimal.Decimal, priceDecimals int32) decimal.Decimal {
	return v.Round(priceDecimals)
}

// Size quantizes v down to the market's size decimals.
func Size(v decimal.Decimal, sizeDecimals int32) decimal.Decimal {
	return v.RoundDown(sizeDecimals)
}

// ToInt scales an already-quantized value to integer wire units
// (v * 10^decimals). Callers must quantize first; any residual fraction
// is truncated.
func ToInt(v decimal.Decimal, decimals int32) int64 {
	return v.Shift(decimals).IntPart()
}

// FromInt converts integer wire units back to a decimal value.
func FromInt(raw int64, decimals int32) decimal.Decimal {
	return decimal.New(raw, -decimals)
}

// SnapToStep rounds v half-up onto a multiple of step. Step must be
// positive; a zero step returns v unchanged.
func SnapToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	n := v.Div(step).Round(0)
	return n.Mul(step)
}
