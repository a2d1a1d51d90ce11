// Package grid holds the pure reconciliation math of the engine: target
// grid computation, classification of existing orders, the cancel/keep
// split, placement planning, level allocation, order sizing, and the
// wrong-side delay counter. Nothing here does I/O; the control loop feeds
// it venue state and applies its plans.
package grid

import (
	"github.com/shopspring/decimal"

	"gridmm/internal/quant"
)

// Targets is the desired grid for one tick: a center price and the
// quantized ask/bid price levels around it.
type Targets struct {
	Center decimal.Decimal
	Asks   []decimal.Decimal // ascending, closest first
	Bids   []decimal.Decimal // descending, closest first
}

// Desired returns |asks| + |bids|.
func (t Targets) Desired() int { return len(t.Asks) + len(t.Bids) }

// DynamicTargets snaps the center to mid rounded half-up onto the step
// grid and lays levelsUp asks above and levelsDown bids below. Prices are
// quantized; non-positive ones are dropped and duplicates collapsed.
func DynamicTargets(mid, step decimal.Decimal, levelsUp, levelsDown int, priceDecimals int32) Targets {
	center := quant.Price(quant.SnapToStep(mid, step), priceDecimals)

	t := Targets{Center: center}
	for i := 1; i <= levelsUp; i++ {
		p := quant.Price(center.Add(step.Mul(decimal.NewFromInt(int64(i)))), priceDecimals)
		if p.IsPositive() {
			t.Asks = append(t.Asks, p)
		}
	}
	for i := 1; i <= levelsDown; i++ {
		p := quant.Price(center.Sub(step.Mul(decimal.NewFromInt(int64(i)))), priceDecimals)
		if p.IsPositive() {
			t.Bids = append(t.Bids, p)
		}
	}
	t.Asks = UniquePrices(t.Asks)
	t.Bids = UniquePrices(t.Bids)
	return t
}

// ASTargets quotes exactly one ask and one bid a half-spread away from
// the reservation price.
func ASTargets(center, step decimal.Decimal, priceDecimals int32) Targets {
	t := Targets{Center: center}
	if ask := quant.Price(center.Add(step), priceDecimals); ask.IsPositive() {
		t.Asks = []decimal.Decimal{ask}
	}
	if bid := quant.Price(center.Sub(step), priceDecimals); bid.IsPositive() {
		t.Bids = []decimal.Decimal{bid}
	}
	return t
}

// UniquePrices removes duplicates preserving first-seen order. The input
// slice is left untouched.
func UniquePrices(xs []decimal.Decimal) []decimal.Decimal {
	if len(xs) < 2 {
		return xs
	}
	seen := make(map[string]bool, len(xs))
	out := make([]decimal.Decimal, 0, len(xs))
	for _, x := range xs {
		key := x.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, x)
	}
	return out
}
