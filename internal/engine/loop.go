// Package engine runs the per-symbol control loops and the supervisor
// that owns them.
//
// Each symbol gets one Loop goroutine: every tick it reloads config,
// fetches the book, evaluates stop conditions and the regime filter,
// computes the desired grid, reconciles it against its own resting
// orders, and places or cancels the difference. The Supervisor starts
// and stops loops, tracks their status, enforces the auto-restart
// budget, and writes run history when a session ends.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/config"
	"gridmm/internal/exchange"
	"gridmm/internal/grid"
	"gridmm/internal/gridid"
	"gridmm/internal/indicator"
	"gridmm/internal/quant"
	"gridmm/internal/sim"
	"gridmm/pkg/types"
)

const minLoopInterval = 10 * time.Millisecond

// errLogEvery spaces repeated hot-loop failure logs per reason.
const errLogEvery = 5 * time.Second

var two = decimal.NewFromInt(2)

// LoopConfig wires one symbol's loop to its collaborators. Sim is the
// symbol's simulation engine, used whenever runtime.dry_run is on;
// Cursor is its live-mode counterpart, fed from the venue's trade
// history.
type LoopConfig struct {
	Symbol  string
	Trader  exchange.Trader
	Store   *config.Store
	Sim     *sim.Engine
	Cursor  *PnLCursor
	Backoff *exchange.Backoff
	Logger  *slog.Logger
	StartMs int64

	// Now overrides the clock in tests; nil means time.Now.
	Now func() time.Time

	// Publish receives the status snapshot written each tick.
	Publish func(types.BotStatus)

	// OnStop fires once when the loop terminates on a stop signal, after
	// orders are cancelled and the position is cleared or closed.
	OnStop func(reason string)
}

// Loop is one symbol's control loop. Not safe for concurrent use; the
// supervisor runs exactly one goroutine per Loop.
type Loop struct {
	cfg    LoopConfig
	logger *slog.Logger

	marketID int64
	prefix   uint32
	meta     types.MarketMeta
	metaOK   bool
	sawBook  bool

	stopSignal bool
	stopReason string
	reduceMode bool
	peakPnL    decimal.Decimal
	peakSet    bool

	window *indicator.MidWindow
	filter *indicator.Filter
	bars   []indicator.Bar

	cursor *grid.LevelCursor
	delay  *grid.DelayCounter

	lastStopCheckMs int64
	delayCount      int
	lastErrLog      map[string]int64

	lastMid    decimal.Decimal
	lastCenter decimal.Decimal
	desired    int
	existing   int
	startedAt  time.Time
}

// NewLoop builds a loop in the Starting state.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cursor == nil {
		cfg.Cursor = NewPnLCursor()
	}
	return &Loop{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "loop", "symbol", cfg.Symbol),
		cursor:     grid.NewLevelCursor(),
		delay:      grid.NewDelayCounter(),
		startedAt:  time.UnixMilli(cfg.StartMs),
		lastErrLog: make(map[string]int64),
	}
}

// logThrottled emits at most one record per errLogEvery for each msg, so
// a persistent venue failure does not flood the log at tick rate.
func (l *Loop) logThrottled(nowMs int64, level slog.Level, msg string, args ...any) {
	if last, ok := l.lastErrLog[msg]; ok && nowMs-last < errLogEvery.Milliseconds() {
		return
	}
	l.lastErrLog[msg] = nowMs
	l.logger.Log(context.Background(), level, msg, args...)
}

// Run iterates until the context is cancelled or a stop signal finishes
// winding down. A panic inside a tick is recovered and returned as an
// error so the supervisor can apply the auto-restart budget.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop panic: %v", r)
		}
	}()

	l.logger.Info("bot.start", "start_ms", l.cfg.StartMs)
	for {
		interval, done := l.tick(ctx)
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// tick performs one iteration and returns the sleep before the next one
// plus whether the loop is finished.
func (l *Loop) tick(ctx context.Context) (time.Duration, bool) {
	now := l.cfg.Now()
	nowMs := now.UnixMilli()

	file, err := l.cfg.Store.Load()
	if err != nil {
		l.logThrottled(nowMs, slog.LevelError, "config load failed", "error", err)
		l.publish(now, "config error")
		return time.Second, false
	}
	rt := file.Runtime
	interval := time.Duration(rt.LoopIntervalMs) * time.Millisecond
	if interval < minLoopInterval {
		interval = minLoopInterval
	}

	strat, ok := file.Strategies[l.cfg.Symbol]
	if !ok || !strat.Enabled {
		l.publish(now, "disabled")
		return interval, false
	}
	simMode := rt.DryRun

	if l.cfg.Backoff.Blocked(l.cfg.Symbol, now) {
		l.publish(now, "rate limited")
		return interval, false
	}

	if l.marketID == 0 {
		if strat.MarketID != nil && *strat.MarketID > 0 {
			l.marketID = *strat.MarketID
		} else {
			id, err := l.cfg.Trader.ResolveMarket(ctx, l.cfg.Symbol)
			if err != nil {
				l.noteVenueErr(err, now)
				l.logThrottled(nowMs, slog.LevelError, "market resolve failed", "error", err)
				l.publish(now, "market unresolved")
				return interval, false
			}
			l.marketID = id
		}
		l.prefix = gridid.Prefix(l.cfg.Trader.AccountKey(), l.marketID, l.cfg.Symbol)
	}

	if !l.metaOK {
		meta, err := l.cfg.Trader.MarketMeta(ctx, l.marketID)
		if err != nil {
			l.noteVenueErr(err, now)
			l.logThrottled(nowMs, slog.LevelError, "market meta fetch failed", "error", err)
			l.publish(now, "meta unavailable")
			return interval, false
		}
		l.meta = meta
		l.metaOK = true
	}

	bid, ask, haveBook, err := l.cfg.Trader.BestBidAsk(ctx, l.marketID)
	if err != nil {
		l.noteVenueErr(err, now)
		l.logThrottled(nowMs, slog.LevelError, "book fetch failed", "error", err)
		l.publish(now, "book error")
		return interval, false
	}
	if !haveBook || !bid.IsPositive() || !ask.IsPositive() {
		l.publish(now, "no book")
		return interval, false
	}
	l.sawBook = true
	mid := bid.Add(ask).Div(two)
	l.lastMid = mid

	if simMode && rt.SimulateFill {
		for _, f := range l.cfg.Sim.Match(bid, ask, nowMs) {
			l.logger.Info("order.fill", "side", f.Side, "price", f.Price, "size", f.Size, "sim", true)
		}
	}

	pos, err := l.position(ctx, simMode)
	if err != nil {
		l.noteVenueErr(err, now)
		l.logThrottled(nowMs, slog.LevelError, "position fetch failed", "error", err)
		l.publish(now, "position unavailable")
		return interval, false
	}

	l.evalStops(ctx, rt, strat, mid, nowMs, simMode)

	if l.stopSignal {
		done := l.windDown(ctx, mid, nowMs, simMode)
		l.publish(now, "stopping: "+l.stopReason)
		if done {
			l.logger.Info("bot.stop", "reason", l.stopReason)
			if l.cfg.OnStop != nil {
				l.cfg.OnStop(l.stopReason)
			}
			return interval, true
		}
		return interval, false
	}

	decision := l.evalFilter(strat, mid, nowMs)
	if decision.TimeoutStop {
		l.triggerStop(fmt.Sprintf("filter blocked %ds (%s)", decision.BlockSec, decision.Reason))
		l.publish(now, "stopping: "+l.stopReason)
		return interval, false
	}

	l.updateReduceMode(strat, pos, mid)

	tg := l.targets(strat, mid, pos)
	if decision.CloseOnly {
		l.applyCloseOnly(&tg, pos)
	}
	l.lastCenter = tg.Center
	l.desired = tg.Desired()

	open, err := l.openOrders(ctx, simMode)
	if err != nil {
		l.noteVenueErr(err, now)
		l.logThrottled(nowMs, slog.LevelError, "open orders fetch failed", "error", err)
		l.publish(now, "orders unavailable")
		return interval, false
	}
	book := grid.Classify(open, l.prefix, l.meta.PriceDecimals)
	l.existing = book.Total
	plan := grid.Reconcile(book, tg, strat.GridMode)

	for _, o := range plan.Cancels {
		if err := l.cancel(ctx, simMode, o); err != nil {
			if l.noteVenueErr(err, now) {
				l.publish(now, "rate limited")
				return interval, false
			}
			l.logThrottled(nowMs, slog.LevelWarn, "order.cancel failed", "order_id", o.OrderID, "error", err)
			continue
		}
		l.cfg.Backoff.Clear(l.cfg.Symbol)
		l.logger.Info("order.cancel", "cid", o.ClientOrderID, "price", o.Price)
	}

	slots := plan.Missing()
	if strat.GridMode == types.GridDynamic {
		slots = grid.Slots(strat.MaxOpenOrders, book.Total, len(plan.Cancels), plan.Missing())
	}
	placements := grid.BuildPlan(plan.MissingAsks, plan.MissingBids, tg.Center, slots)

	spec := grid.SizeSpec{
		Mode:             strat.OrderSizeMode,
		Value:            strat.OrderSizeValue,
		ReduceActive:     l.reduceMode,
		ReduceMultiplier: strat.ReduceOrderSizeMultiplier,
	}
	if pos.Sign() >= 0 {
		spec.ReduceSide = types.Ask
	} else {
		spec.ReduceSide = types.Bid
	}

	placed := make(map[string]bool, len(placements))
	for _, p := range placements {
		used := book.UsedLevels[p.Side]
		level, ok := l.cursor.Pick(p.Side, used)
		if !ok {
			l.logThrottled(nowMs, slog.LevelWarn, "grid levels exhausted", "side", p.Side)
			break
		}
		size, err := grid.OrderSize(spec, p.Side, p.Price, l.meta)
		if err != nil {
			l.logger.Debug("placement skipped", "price", p.Price, "error", err)
			continue
		}
		cid, err := gridid.OrderID(l.prefix, p.Side, level)
		if err != nil {
			l.logger.Warn("cid allocation failed", "level", level, "error", err)
			continue
		}
		if err := l.create(ctx, simMode, cid, p.Side, p.Price, size, strat.PostOnly, nowMs); err != nil {
			if l.noteVenueErr(err, now) {
				l.publish(now, "rate limited")
				return interval, false
			}
			l.logThrottled(nowMs, slog.LevelWarn, "order.create failed", "price", p.Price, "error", err)
			continue
		}
		used[level] = true
		placed[placeKey(p.Side, p.Price)] = true
		l.cfg.Backoff.Clear(l.cfg.Symbol)
		l.logger.Info("order.create", "cid", cid, "side", p.Side, "price", p.Price, "size", size, "sim", simMode)
	}

	if strat.GridMode == types.GridDynamic {
		var stuckAsks, stuckBids []decimal.Decimal
		for _, p := range plan.MissingAsks {
			if !placed[placeKey(types.Ask, p)] {
				stuckAsks = append(stuckAsks, p)
			}
		}
		for _, p := range plan.MissingBids {
			if !placed[placeKey(types.Bid, p)] {
				stuckBids = append(stuckBids, p)
			}
		}
		l.delayCount = l.delay.Observe(stuckAsks, stuckBids, mid)
	}

	message := "live"
	switch {
	case decision.CloseOnly && decision.State != indicator.FilterOff:
		message = "blocked: " + decision.Reason
	case l.reduceMode:
		message = "reduce mode"
	case simMode:
		message = "sim"
	}
	l.publish(now, message)
	return interval, false
}

// evalStops checks the minutes/volume stop triggers at the configured
// cadence and the AS drawdown trigger every tick. In live mode the
// trade cursor is advanced at the same cadence, so P&L reads stay
// current without hitting the trades endpoint every tick.
func (l *Loop) evalStops(ctx context.Context, rt config.Runtime, strat config.Strategy, mid decimal.Decimal, nowMs int64, simMode bool) {
	if l.stopSignal {
		return
	}

	checkEvery := rt.StopCheckIntervalMs
	if checkEvery < 200 {
		checkEvery = 200
	}
	due := nowMs-l.lastStopCheckMs >= checkEvery
	if due {
		l.lastStopCheckMs = nowMs
		if !simMode {
			l.advanceCursor(ctx, nowMs)
		}
	}

	if strat.GridMode == types.GridAS && strat.ASMaxDrawdown.IsPositive() {
		pnl := l.profit(mid, simMode)
		if !l.peakSet || pnl.GreaterThan(l.peakPnL) {
			l.peakPnL = pnl
			l.peakSet = true
		}
		if dd := l.peakPnL.Sub(pnl); dd.GreaterThanOrEqual(strat.ASMaxDrawdown) {
			l.triggerStop(fmt.Sprintf("drawdown %s from peak %s", dd, l.peakPnL))
			return
		}
	}

	if !due {
		return
	}

	if rt.StopAfterMinutes > 0 {
		elapsed := float64(nowMs-l.cfg.StartMs) / 60_000.0
		if elapsed >= rt.StopAfterMinutes {
			l.triggerStop(fmt.Sprintf("ran %.1f minutes", elapsed))
			return
		}
	}
	if rt.StopAfterVolume.IsPositive() {
		vol, _, err := l.volume(ctx, nowMs, simMode)
		if err != nil {
			l.logThrottled(nowMs, slog.LevelWarn, "volume check failed", "error", err)
			return
		}
		if vol.GreaterThanOrEqual(rt.StopAfterVolume) {
			l.triggerStop(fmt.Sprintf("volume %s reached %s", vol, rt.StopAfterVolume))
		}
	}
}

// profit returns session P&L marked to mid: the simulator's ledger in
// dry-run, the trade cursor's in live mode.
func (l *Loop) profit(mid decimal.Decimal, simMode bool) decimal.Decimal {
	if simMode {
		return l.cfg.Sim.PnL(mid)
	}
	return l.cfg.Cursor.PnL(mid)
}

// advanceCursor folds any venue fills since the last applied one into
// the trade cursor. The fetch window opens just past the cursor, so a
// failed or partial read only delays P&L, never double-counts it.
func (l *Loop) advanceCursor(ctx context.Context, nowMs int64) {
	start := l.cfg.StartMs
	if ts := l.cfg.Cursor.LastTsMs(); ts >= start {
		start = ts + 1
	}
	fills, err := l.cfg.Trader.TradesSince(ctx, l.marketID, start, nowMs)
	if err != nil {
		l.logThrottled(nowMs, slog.LevelWarn, "trade fetch failed", "error", err)
		return
	}
	l.cfg.Cursor.Advance(fills)
}

func (l *Loop) triggerStop(reason string) {
	l.stopSignal = true
	l.stopReason = reason
	l.logger.Info("bot.stop_signal", "reason", reason)
}

// windDown cancels the grid, then clears or closes the position. Returns
// true when the loop may terminate. A negative P&L keeps the loop
// spinning with orders off until the position can close at break-even or
// better.
func (l *Loop) windDown(ctx context.Context, mid decimal.Decimal, nowMs int64, simMode bool) bool {
	open, err := l.openOrders(ctx, simMode)
	if err != nil {
		l.noteVenueErr(err, l.cfg.Now())
		return false
	}
	for _, o := range open {
		if !gridid.IsGridOrder(l.prefix, o.ClientOrderID) {
			continue
		}
		if err := l.cancel(ctx, simMode, o); err != nil {
			l.noteVenueErr(err, l.cfg.Now())
			return false
		}
	}

	pos, err := l.position(ctx, simMode)
	if err != nil {
		return false
	}
	if pos.Abs().LessThanOrEqual(l.meta.MinPosition()) {
		return true
	}

	if !simMode {
		l.advanceCursor(ctx, nowMs)
	}
	if l.profit(mid, simMode).IsNegative() {
		return false
	}

	side := types.Ask
	if pos.Sign() < 0 {
		side = types.Bid
	}
	size := pos.Abs()
	if simMode {
		l.cfg.Sim.MarketFill(side, mid, size, nowMs)
	} else {
		order := exchange.MarketOrder{
			MarketID:   l.marketID,
			BaseAmount: quant.ToInt(quant.Size(size, l.meta.SizeDecimals), l.meta.SizeDecimals),
			IsAsk:      side.IsAsk(),
			ReduceOnly: true,
		}
		if err := l.cfg.Trader.CreateMarket(ctx, order); err != nil {
			l.noteVenueErr(err, l.cfg.Now())
			return false
		}
	}
	l.logger.Info("position.close", "side", side, "size", size, "sim", simMode)
	return true
}

// evalFilter folds the tick's mid into the volatility window and the
// 1-minute bars, then runs the regime filter when enabled.
func (l *Loop) evalFilter(strat config.Strategy, mid decimal.Decimal, nowMs int64) indicator.Decision {
	if l.window == nil {
		l.window = indicator.NewMidWindow(strat.ASVolPoints)
	}
	l.window.Add(nowMs, mid)

	if !strat.Filter.Enabled {
		return indicator.Decision{State: indicator.FilterOff}
	}
	if l.filter == nil {
		l.filter = indicator.NewFilter(indicator.FilterConfig{
			Enabled:             true,
			ATRPeriod:           strat.Filter.ATRPeriod,
			ADXPeriod:           strat.Filter.ADXPeriod,
			ATRPctMin:           strat.Filter.ATRPctMin,
			ATRPctMax:           strat.Filter.ATRPctMax,
			ADXMax:              strat.Filter.ADXMax,
			RecoverPassCount:    strat.Filter.RecoverPassCount,
			BlockTimeoutMinutes: strat.Filter.BlockTimeoutMinutes,
		})
	}
	maxBars := indicator.RequiredBars(strat.Filter.ATRPeriod, strat.Filter.ADXPeriod) + 10
	l.bars = indicator.UpdateBars(l.bars, nowMs, mid, maxBars)
	return l.filter.Evaluate(indicator.CompletedBars(l.bars, nowMs), nowMs)
}

func (l *Loop) updateReduceMode(strat config.Strategy, pos, mid decimal.Decimal) {
	if strat.GridMode != types.GridDynamic || !strat.MaxPositionNotional.IsPositive() {
		l.reduceMode = false
		return
	}
	notional := pos.Mul(mid).Abs()
	if !l.reduceMode && notional.GreaterThanOrEqual(strat.MaxPositionNotional) {
		l.reduceMode = true
		l.logger.Info("reduce.enter", "notional", notional, "max", strat.MaxPositionNotional)
	} else if l.reduceMode && notional.LessThan(strat.ReduceExit()) {
		l.reduceMode = false
		l.logger.Info("reduce.exit", "notional", notional)
	}
}

func (l *Loop) targets(strat config.Strategy, mid, pos decimal.Decimal) grid.Targets {
	if strat.GridMode == types.GridAS {
		q := indicator.Quote(mid, pos, l.window.Sigma(), indicator.ASParams{
			Gamma:          strat.ASGamma,
			K:              strat.ASK,
			Tau:            strat.ASTau,
			StepMultiplier: strat.ASStepMultiplier,
		}, l.meta.PriceDecimals)
		return grid.ASTargets(q.Center, q.Step, l.meta.PriceDecimals)
	}
	return grid.DynamicTargets(mid, strat.GridStep, strat.LevelsUp, strat.LevelsDown, l.meta.PriceDecimals)
}

// applyCloseOnly drops the position-increasing side while the regime
// filter blocks. A flat book quotes nothing.
func (l *Loop) applyCloseOnly(tg *grid.Targets, pos decimal.Decimal) {
	minPos := l.meta.MinPosition()
	switch {
	case pos.GreaterThan(minPos):
		tg.Bids = nil
	case pos.Neg().GreaterThan(minPos):
		tg.Asks = nil
	default:
		tg.Asks = nil
		tg.Bids = nil
	}
}

func (l *Loop) position(ctx context.Context, simMode bool) (decimal.Decimal, error) {
	if simMode {
		return l.cfg.Sim.PositionBase(), nil
	}
	return l.cfg.Trader.PositionBase(ctx, l.marketID)
}

func (l *Loop) openOrders(ctx context.Context, simMode bool) ([]types.OpenOrder, error) {
	if simMode {
		return l.cfg.Sim.OpenOrders(), nil
	}
	return l.cfg.Trader.ActiveOrders(ctx, l.marketID)
}

func (l *Loop) volume(ctx context.Context, nowMs int64, simMode bool) (decimal.Decimal, int, error) {
	if simMode {
		vol, count := l.cfg.Sim.TradeStats(l.cfg.StartMs, 0)
		return vol, count, nil
	}
	return l.cfg.Trader.FillsSince(ctx, l.marketID, l.cfg.StartMs, nowMs)
}

func (l *Loop) cancel(ctx context.Context, simMode bool, o types.OpenOrder) error {
	if simMode {
		l.cfg.Sim.Cancel(o.ClientOrderID)
		return nil
	}
	return l.cfg.Trader.Cancel(ctx, l.marketID, o.OrderID)
}

func (l *Loop) create(ctx context.Context, simMode bool, cid uint64, side types.Side, price, size decimal.Decimal, postOnly bool, nowMs int64) error {
	if simMode {
		l.cfg.Sim.Place(cid, side, price, size, nowMs)
		return nil
	}
	return l.cfg.Trader.CreateLimit(ctx, exchange.LimitOrder{
		MarketID:      l.marketID,
		ClientOrderID: cid,
		BaseAmount:    quant.ToInt(size, l.meta.SizeDecimals),
		Price:         quant.ToInt(price, l.meta.PriceDecimals),
		IsAsk:         side.IsAsk(),
		PostOnly:      postOnly,
	})
}

// noteVenueErr marks the symbol's backoff on a rate-limit error and
// reports whether it did.
func (l *Loop) noteVenueErr(err error, now time.Time) bool {
	if !exchange.IsRateLimited(err) {
		return false
	}
	delay := l.cfg.Backoff.Mark(l.cfg.Symbol, now)
	l.logThrottled(now.UnixMilli(), slog.LevelWarn, "rate.limited", "delay", delay, "streak", l.cfg.Backoff.Streak(l.cfg.Symbol))
	return true
}

func (l *Loop) publish(now time.Time, message string) {
	if l.cfg.Publish == nil {
		return
	}
	status := types.BotStatus{
		Symbol:     l.cfg.Symbol,
		Running:    true,
		StartedAt:  l.startedAt,
		LastTickAt: now,
		Message:    message,
		MarketID:   l.marketID,
		Desired:    l.desired,
		Existing:   l.existing,
		DelayCount: l.delayCount,
		ReduceMode: l.reduceMode,
		StopSignal: l.stopSignal,
		StopReason: l.stopReason,
	}
	if !l.sawBook {
		status.Message = "starting"
		if message != "" {
			status.Message = "starting: " + message
		}
	}
	if !l.lastMid.IsZero() {
		status.Mid = l.lastMid.String()
	}
	if !l.lastCenter.IsZero() {
		status.Center = l.lastCenter.String()
	}
	l.cfg.Publish(status)
}

func placeKey(side types.Side, price decimal.Decimal) string {
	if side.IsAsk() {
		return "a:" + price.String()
	}
	return "b:" + price.String()
}
