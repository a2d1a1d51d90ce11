package indicator

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BarIntervalMs is the OHLC bucket width for the regime filter.
const BarIntervalMs = 60_000

// Bar is one 1-minute OHLC bucket built from observed mids.
type Bar struct {
	TsMs  int64
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// FilterConfig gates quoting on volatility and trendiness bounds.
type FilterConfig struct {
	Enabled             bool
	ATRPeriod           int
	ADXPeriod           int
	ATRPctMin           decimal.Decimal
	ATRPctMax           decimal.Decimal
	ADXMax              decimal.Decimal
	RecoverPassCount    int
	BlockTimeoutMinutes decimal.Decimal
}

// Filter states.
const (
	FilterOff    = "off"
	FilterWarmup = "warmup"
	FilterBlock  = "block"
	FilterPass   = "pass"
)

// Decision is the per-tick verdict. CloseOnly means the loop should quote
// only the position-reducing side; TimeoutStop means the block has lasted
// past the configured timeout and the symbol should stop.
type Decision struct {
	State       string
	Reason      string
	ATRPct      decimal.Decimal
	ADX         decimal.Decimal
	HasReadings bool
	PassStreak  int
	BlockSec    int64
	CloseOnly   bool
	TimeoutStop bool
}

// Filter carries the block/warmup/pass state machine across ticks.
type Filter struct {
	cfg FilterConfig

	state          string
	passStreak     int
	blockStartedMs int64
}

// NewFilter builds a filter in the off state.
func NewFilter(cfg FilterConfig) *Filter {
	return &Filter{cfg: cfg, state: FilterOff}
}

// UpdateBars folds one (ts, price) observation into the bar list, opening
// a new bucket on minute boundaries and trimming to maxBars.
func UpdateBars(bars []Bar, tsMs int64, price decimal.Decimal, maxBars int) []Bar {
	bucket := tsMs - tsMs%BarIntervalMs
	if n := len(bars); n == 0 || bars[n-1].TsMs != bucket {
		bars = append(bars, Bar{TsMs: bucket, Open: price, High: price, Low: price, Close: price})
	} else {
		b := &bars[n-1]
		if price.GreaterThan(b.High) {
			b.High = price
		}
		if price.LessThan(b.Low) {
			b.Low = price
		}
		b.Close = price
	}
	if maxBars > 0 && len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	return bars
}

// CompletedBars drops the still-forming bucket.
func CompletedBars(bars []Bar, nowMs int64) []Bar {
	if len(bars) == 0 {
		return nil
	}
	current := nowMs - nowMs%BarIntervalMs
	if bars[len(bars)-1].TsMs == current {
		return bars[:len(bars)-1]
	}
	return bars
}

// RequiredBars is the warmup length: ATR needs period+1 bars, ADX needs
// 2*period.
func RequiredBars(atrPeriod, adxPeriod int) int {
	if n := atrPeriod + 1; n > adxPeriod*2 {
		return n
	}
	return adxPeriod * 2
}

func trueRange(prev, curr Bar) decimal.Decimal {
	tr := curr.High.Sub(curr.Low)
	if hc := curr.High.Sub(prev.Close).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := curr.Low.Sub(prev.Close).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATRPct computes Wilder-smoothed ATR divided by the last close.
func ATRPct(bars []Bar, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(bars) < period+1 {
		return decimal.Zero, false
	}
	trs := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		trs = append(trs, trueRange(bars[i-1], bars[i]))
	}
	if len(trs) < period {
		return decimal.Zero, false
	}

	p := decimal.NewFromInt(int64(period))
	atr := decimal.Zero
	for _, tr := range trs[:period] {
		atr = atr.Add(tr)
	}
	atr = atr.Div(p)
	for _, tr := range trs[period:] {
		atr = atr.Mul(p.Sub(decimal.NewFromInt(1))).Add(tr).Div(p)
	}

	lastClose := bars[len(bars)-1].Close
	if !lastClose.IsPositive() {
		return decimal.Zero, false
	}
	return atr.Div(lastClose), true
}

// ADX computes the Wilder-smoothed average directional index.
func ADX(bars []Bar, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(bars) < period*2 {
		return decimal.Zero, false
	}

	var trs, plusDM, minusDM []decimal.Decimal
	for i := 1; i < len(bars); i++ {
		prev, curr := bars[i-1], bars[i]
		up := curr.High.Sub(prev.High)
		down := prev.Low.Sub(curr.Low)

		pdm, mdm := decimal.Zero, decimal.Zero
		if up.IsPositive() && up.GreaterThan(down) {
			pdm = up
		}
		if down.IsPositive() && down.GreaterThan(up) {
			mdm = down
		}
		trs = append(trs, trueRange(prev, curr))
		plusDM = append(plusDM, pdm)
		minusDM = append(minusDM, mdm)
	}
	if len(trs) < period*2-1 {
		return decimal.Zero, false
	}

	p := decimal.NewFromInt(int64(period))
	hundred := decimal.NewFromInt(100)
	sum := func(xs []decimal.Decimal) decimal.Decimal {
		s := decimal.Zero
		for _, x := range xs {
			s = s.Add(x)
		}
		return s
	}
	dx := func(trSum, pdmSum, mdmSum decimal.Decimal) decimal.Decimal {
		if !trSum.IsPositive() {
			return decimal.Zero
		}
		plusDI := hundred.Mul(pdmSum).Div(trSum)
		minusDI := hundred.Mul(mdmSum).Div(trSum)
		denom := plusDI.Add(minusDI)
		if !denom.IsPositive() {
			return decimal.Zero
		}
		return hundred.Mul(plusDI.Sub(minusDI).Abs()).Div(denom)
	}

	trS := sum(trs[:period])
	pdmS := sum(plusDM[:period])
	mdmS := sum(minusDM[:period])

	dxs := []decimal.Decimal{dx(trS, pdmS, mdmS)}
	for i := period; i < len(trs); i++ {
		trS = trS.Sub(trS.Div(p)).Add(trs[i])
		pdmS = pdmS.Sub(pdmS.Div(p)).Add(plusDM[i])
		mdmS = mdmS.Sub(mdmS.Div(p)).Add(minusDM[i])
		dxs = append(dxs, dx(trS, pdmS, mdmS))
	}
	if len(dxs) < period {
		return decimal.Zero, false
	}

	adx := sum(dxs[:period]).Div(p)
	for _, d := range dxs[period:] {
		adx = adx.Mul(p.Sub(decimal.NewFromInt(1))).Add(d).Div(p)
	}
	return adx, true
}

// Evaluate runs one step of the state machine over the completed bars.
func (f *Filter) Evaluate(bars []Bar, nowMs int64) Decision {
	if !f.cfg.Enabled {
		f.state = FilterOff
		f.passStreak = 0
		f.blockStartedMs = 0
		return Decision{State: FilterOff, Reason: "disabled"}
	}

	need := RequiredBars(f.cfg.ATRPeriod, f.cfg.ADXPeriod)
	if len(bars) < need {
		f.state = FilterWarmup
		f.passStreak = 0
		f.blockStartedMs = 0
		return Decision{
			State:     FilterWarmup,
			Reason:    fmt.Sprintf("warmup:%d/%d", len(bars), need),
			CloseOnly: true,
		}
	}

	atrPct, atrOK := ATRPct(bars, f.cfg.ATRPeriod)
	adx, adxOK := ADX(bars, f.cfg.ADXPeriod)
	if !atrOK || !adxOK {
		f.state = FilterWarmup
		f.passStreak = 0
		f.blockStartedMs = 0
		return Decision{State: FilterWarmup, Reason: "indicator_not_ready", CloseOnly: true}
	}

	var reasons []string
	if atrPct.LessThan(f.cfg.ATRPctMin) {
		reasons = append(reasons, "atr_low")
	}
	if atrPct.GreaterThan(f.cfg.ATRPctMax) {
		reasons = append(reasons, "atr_high")
	}
	if adx.GreaterThan(f.cfg.ADXMax) {
		reasons = append(reasons, "adx_high")
	}

	if len(reasons) > 0 {
		f.state = FilterBlock
		f.passStreak = 0
		if f.blockStartedMs <= 0 {
			f.blockStartedMs = nowMs
		}
		blockSec := (nowMs - f.blockStartedMs) / 1000
		if blockSec < 0 {
			blockSec = 0
		}
		timeoutStop := false
		if f.cfg.BlockTimeoutMinutes.IsPositive() {
			timeoutS := f.cfg.BlockTimeoutMinutes.Mul(decimal.NewFromInt(60)).IntPart()
			timeoutStop = blockSec >= timeoutS
		}
		return Decision{
			State: FilterBlock, Reason: strings.Join(reasons, ","),
			ATRPct: atrPct, ADX: adx, HasReadings: true,
			BlockSec: blockSec, CloseOnly: true, TimeoutStop: timeoutStop,
		}
	}

	if f.state == FilterBlock || f.state == FilterWarmup {
		f.passStreak++
		needPass := f.cfg.RecoverPassCount
		if needPass < 1 {
			needPass = 1
		}
		if f.passStreak < needPass {
			f.state = FilterWarmup
			f.blockStartedMs = 0
			return Decision{
				State:  FilterWarmup,
				Reason: fmt.Sprintf("recovering:%d/%d", f.passStreak, needPass),
				ATRPct: atrPct, ADX: adx, HasReadings: true,
				PassStreak: f.passStreak, CloseOnly: true,
			}
		}
	}

	f.state = FilterPass
	f.passStreak = 0
	f.blockStartedMs = 0
	return Decision{State: FilterPass, Reason: "ok", ATRPct: atrPct, ADX: adx, HasReadings: true}
}
