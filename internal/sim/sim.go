// Package sim shadows the live venue when dry-run is on. It keeps the
// engine's own resting orders in an internal book, matches them against
// the observed BBO, and tracks position, realized P&L, and the fill tape —
// exposing the same observational surface the loop reads from a real
// venue.
package sim

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/pkg/types"
)

type order struct {
	cid       uint64
	side      types.Side
	price     decimal.Decimal
	base      decimal.Decimal
	createdMs int64
}

// Engine is one symbol's simulated book and inventory. All decimal math
// is exact: a position opened and fully closed at the same price realizes
// zero, not a float residue.
type Engine struct {
	mu sync.Mutex

	orders map[uint64]order
	trades []types.Fill

	positionBase decimal.Decimal
	positionCost decimal.Decimal
	realizedPnL  decimal.Decimal
	lastMid      decimal.Decimal
}

func New() *Engine {
	return &Engine{orders: make(map[uint64]order)}
}

// Reset drops all simulated state. Called on manual start.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = make(map[uint64]order)
	e.trades = nil
	e.positionBase = decimal.Zero
	e.positionCost = decimal.Zero
	e.realizedPnL = decimal.Zero
	e.lastMid = decimal.Zero
}

// Place rests a limit order in the simulated book.
func (e *Engine) Place(cid uint64, side types.Side, price, base decimal.Decimal, tsMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[cid] = order{cid: cid, side: side, price: price, base: base, createdMs: tsMs}
}

// Cancel removes a resting order; reports whether it existed.
func (e *Engine) Cancel(cid uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.orders[cid]
	delete(e.orders, cid)
	return ok
}

// CancelAll empties the book and returns how many orders were dropped.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.orders)
	e.orders = make(map[uint64]order)
	return n
}

// OpenOrders returns the resting orders as normalized records, ordered by
// client order id.
func (e *Engine) OpenOrders() []types.OpenOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.OpenOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, types.OpenOrder{
			ClientOrderID: o.cid,
			OrderID:       strconv.FormatUint(o.cid, 10),
			Side:          o.side,
			Price:         o.price,
			BaseAmount:    o.base,
			Status:        "open",
			CreatedAt:     time.UnixMilli(o.createdMs),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// Match crosses the book against an observed BBO: an ask fills when the
// bid reaches its price, a bid fills when the ask drops to its price.
// Filled orders are consumed whole. Returns the fills produced this tick.
func (e *Engine) Match(bid, ask decimal.Decimal, tsMs int64) []types.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastMid = bid.Add(ask).Div(decimal.NewFromInt(2))

	cids := make([]uint64, 0, len(e.orders))
	for cid := range e.orders {
		cids = append(cids, cid)
	}
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] })

	var fills []types.Fill
	for _, cid := range cids {
		o := e.orders[cid]
		crossed := (o.side == types.Ask && bid.GreaterThanOrEqual(o.price)) ||
			(o.side == types.Bid && ask.LessThanOrEqual(o.price))
		if !crossed {
			continue
		}
		delete(e.orders, cid)
		fills = append(fills, e.fillLocked(o.side, o.price, o.base, tsMs))
	}
	return fills
}

// MarketFill executes an immediate fill at the given price, used for
// simulated reduce-only market orders.
func (e *Engine) MarketFill(side types.Side, price, base decimal.Decimal, tsMs int64) types.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fillLocked(side, price, base, tsMs)
}

func (e *Engine) fillLocked(side types.Side, price, size decimal.Decimal, tsMs int64) types.Fill {
	delta := size
	if side.IsAsk() {
		delta = size.Neg()
	}

	switch {
	case e.positionBase.IsZero() || e.positionBase.Sign() == delta.Sign():
		e.positionBase = e.positionBase.Add(delta)
		e.positionCost = e.positionCost.Add(price.Mul(delta))
	default:
		absBase := e.positionBase.Abs()
		avgEntry := e.positionCost.Div(e.positionBase).Abs()
		cover := size
		if absBase.LessThan(cover) {
			cover = absBase
		}
		if e.positionBase.Sign() > 0 {
			// closing long by selling
			e.realizedPnL = e.realizedPnL.Add(price.Sub(avgEntry).Mul(cover))
			e.positionBase = e.positionBase.Sub(cover)
			e.positionCost = e.positionCost.Sub(avgEntry.Mul(cover))
		} else {
			// closing short by buying
			e.realizedPnL = e.realizedPnL.Add(avgEntry.Sub(price).Mul(cover))
			e.positionBase = e.positionBase.Add(cover)
			e.positionCost = e.positionCost.Add(avgEntry.Mul(cover))
		}
		if residual := size.Sub(cover); residual.IsPositive() {
			// flip: the remainder opens on the other side at the fill price
			signed := residual
			if side.IsAsk() {
				signed = residual.Neg()
			}
			e.positionBase = e.positionBase.Add(signed)
			e.positionCost = e.positionCost.Add(price.Mul(signed))
		}
	}

	fill := types.Fill{TsMs: tsMs, Price: price, Size: size, Side: side}
	e.trades = append(e.trades, fill)
	return fill
}

// PositionBase returns the signed simulated position.
func (e *Engine) PositionBase() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionBase
}

// PnL returns realized + mark-to-mid unrealized P&L at the given mid.
func (e *Engine) PnL(mid decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realizedPnL.Add(mid.Mul(e.positionBase)).Sub(e.positionCost)
}

// PnLAtLastMid marks against the last observed mid.
func (e *Engine) PnLAtLastMid() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realizedPnL.Add(e.lastMid.Mul(e.positionBase)).Sub(e.positionCost)
}

// LastMid returns the last mid observed by Match.
func (e *Engine) LastMid() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMid
}

// TradeStats sums |price*size| and counts fills in [t0, t1).
// A zero t1 means no upper bound.
func (e *Engine) TradeStats(t0, t1 int64) (decimal.Decimal, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	notional := decimal.Zero
	count := 0
	for _, f := range e.trades {
		if f.TsMs < t0 || (t1 > 0 && f.TsMs >= t1) {
			continue
		}
		notional = notional.Add(f.Notional())
		count++
	}
	return notional, count
}
