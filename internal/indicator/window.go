// Package indicator computes the quoting inputs the control loop needs:
// a bounded mid-price window with a dt-normalized volatility estimate, the
// Avellaneda-Stoikov reservation price and half-spread, and a 1-minute
// ATR%/ADX market regime filter.
package indicator

import (
	"math"

	"github.com/shopspring/decimal"
)

type midPoint struct {
	tsMs int64
	mid  float64
}

// MidWindow is a bounded sequence of (ts, mid) samples. It keeps at most
// maxPoints entries; volatility math runs in float64 since its outputs are
// re-quantized in decimal before anything reaches the wire.
type MidWindow struct {
	points []midPoint
	max    int
}

// NewMidWindow sizes the window for volPoints increments (volPoints+1
// samples).
func NewMidWindow(volPoints int) *MidWindow {
	if volPoints < 2 {
		volPoints = 2
	}
	return &MidWindow{max: volPoints + 1}
}

// Add appends one sample, evicting the oldest when full. Samples with a
// timestamp not after the last one are dropped.
func (w *MidWindow) Add(tsMs int64, mid decimal.Decimal) {
	if n := len(w.points); n > 0 && tsMs <= w.points[n-1].tsMs {
		return
	}
	w.points = append(w.points, midPoint{tsMs: tsMs, mid: mid.InexactFloat64()})
	if len(w.points) > w.max {
		w.points = w.points[len(w.points)-w.max:]
	}
}

// Len returns the number of retained samples.
func (w *MidWindow) Len() int { return len(w.points) }

// Sigma estimates volatility as the sample standard deviation of
// dt-normalized mid increments x = (p1-p0)/sqrt(dt seconds). Returns 0
// until at least two increments exist.
func (w *MidWindow) Sigma() float64 {
	var xs []float64
	for i := 1; i < len(w.points); i++ {
		dt := float64(w.points[i].tsMs-w.points[i-1].tsMs) / 1000.0
		if dt <= 0 {
			continue
		}
		xs = append(xs, (w.points[i].mid-w.points[i-1].mid)/math.Sqrt(dt))
	}
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
