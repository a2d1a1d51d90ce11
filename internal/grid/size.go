package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridmm/internal/quant"
	"gridmm/pkg/types"
)

// SizeSpec captures everything sizing depends on for one tick.
type SizeSpec struct {
	Mode  types.SizeMode
	Value decimal.Decimal

	// ReduceActive enlarges ReduceSide by ReduceMultiplier while the
	// position is over its notional cap.
	ReduceActive     bool
	ReduceSide       types.Side
	ReduceMultiplier decimal.Decimal
}

// OrderSize derives the base quantity for one placement: the configured
// base amount, or notional divided by price, with the reduce multiplier
// applied when this side shrinks the position. The result is rounded down
// to the market's size decimals and checked against its minimums.
func OrderSize(spec SizeSpec, side types.Side, price decimal.Decimal, meta types.MarketMeta) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("size at non-positive price %s", price)
	}

	base := spec.Value
	if spec.Mode == types.SizeNotional {
		base = spec.Value.Div(price)
	}
	if spec.ReduceActive && side == spec.ReduceSide && spec.ReduceMultiplier.IsPositive() {
		base = base.Mul(spec.ReduceMultiplier)
	}

	base = quant.Size(base, meta.SizeDecimals)
	if base.LessThan(meta.MinBaseAmount) || base.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("size %s below min base %s", base, meta.MinBaseAmount)
	}
	if meta.MinQuoteAmount.IsPositive() && base.Mul(price).LessThan(meta.MinQuoteAmount) {
		return decimal.Decimal{}, fmt.Errorf("notional %s below min quote %s", base.Mul(price), meta.MinQuoteAmount)
	}
	return base, nil
}
