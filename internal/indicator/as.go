package indicator

import (
	"math"

	"github.com/shopspring/decimal"

	"gridmm/internal/quant"
)

// ASParams are the Avellaneda-Stoikov inputs taken from strategy config.
type ASParams struct {
	Gamma          float64
	K              float64
	Tau            float64
	StepMultiplier float64
}

// ASQuote is the quoting center and half-spread for one tick. The loop
// places one ask at Center+Step and one bid at Center-Step.
type ASQuote struct {
	Center decimal.Decimal // reservation price, on the price grid
	Step   decimal.Decimal // half-spread, at least one tick
}

// Quote computes the AS reservation price and half-spread.
//
//	spread = gamma*sigma^2*tau + (2/gamma)*ln(1 + gamma/k)
//	r      = mid - q*gamma*sigma^2*tau
//
// Both outputs are quantized to priceDecimals; the half-spread never drops
// below one tick.
func Quote(mid, positionBase decimal.Decimal, sigma float64, p ASParams, priceDecimals int32) ASQuote {
	varTau := p.Gamma * sigma * sigma * p.Tau
	spread := varTau + (2.0/p.Gamma)*math.Log(1.0+p.Gamma/p.K)

	mult := p.StepMultiplier
	if mult <= 0 {
		mult = 1
	}
	half := spread / 2.0 * mult

	tick := quant.Tick(priceDecimals)
	step := quant.Price(decimal.NewFromFloat(half), priceDecimals)
	if step.LessThan(tick) {
		step = tick
	}

	shift := positionBase.Mul(decimal.NewFromFloat(varTau))
	center := quant.Price(mid.Sub(shift), priceDecimals)
	return ASQuote{Center: center, Step: step}
}
