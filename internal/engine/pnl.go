package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"gridmm/pkg/types"
)

// PnLCursor folds the account's own trade prints into session position
// and P&L — the live-mode counterpart of the simulator's inventory
// ledger. It only moves forward: fills at or before the last applied
// timestamp are skipped, so re-reading an overlapping trade window never
// double-counts. Safe for concurrent use; the loop advances it while the
// snapshot reader marks it to mid.
type PnLCursor struct {
	mu           sync.Mutex
	lastTsMs     int64
	positionBase decimal.Decimal
	positionCost decimal.Decimal
	realizedPnL  decimal.Decimal
}

func NewPnLCursor() *PnLCursor {
	return &PnLCursor{}
}

// Reset drops all accumulated state. Called on manual start.
func (c *PnLCursor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTsMs = 0
	c.positionBase = decimal.Zero
	c.positionCost = decimal.Zero
	c.realizedPnL = decimal.Zero
}

// LastTsMs returns the timestamp of the newest applied fill; the next
// trade fetch starts just past it.
func (c *PnLCursor) LastTsMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTsMs
}

// Advance applies fills newer than the cursor position. Fills sharing
// the newest timestamp within one batch all apply; anything at or before
// the cursor is a replay and is dropped.
func (c *PnLCursor) Advance(fills []types.Fill) {
	c.mu.Lock()
	defer c.mu.Unlock()

	floor := c.lastTsMs
	for _, f := range fills {
		if f.TsMs <= floor {
			continue
		}
		c.apply(f)
		if f.TsMs > c.lastTsMs {
			c.lastTsMs = f.TsMs
		}
	}
}

// apply mirrors the simulator's inventory accounting: same-direction
// fills extend the position at cost, opposite fills realize against the
// average entry, and any residual flips the position at the fill price.
func (c *PnLCursor) apply(f types.Fill) {
	delta := f.Size
	if f.Side.IsAsk() {
		delta = f.Size.Neg()
	}

	switch {
	case c.positionBase.IsZero() || c.positionBase.Sign() == delta.Sign():
		c.positionBase = c.positionBase.Add(delta)
		c.positionCost = c.positionCost.Add(f.Price.Mul(delta))
	default:
		absBase := c.positionBase.Abs()
		avgEntry := c.positionCost.Div(c.positionBase).Abs()
		cover := f.Size
		if absBase.LessThan(cover) {
			cover = absBase
		}
		if c.positionBase.Sign() > 0 {
			// closing long by selling
			c.realizedPnL = c.realizedPnL.Add(f.Price.Sub(avgEntry).Mul(cover))
			c.positionBase = c.positionBase.Sub(cover)
			c.positionCost = c.positionCost.Sub(avgEntry.Mul(cover))
		} else {
			// closing short by buying
			c.realizedPnL = c.realizedPnL.Add(avgEntry.Sub(f.Price).Mul(cover))
			c.positionBase = c.positionBase.Add(cover)
			c.positionCost = c.positionCost.Add(avgEntry.Mul(cover))
		}
		if residual := f.Size.Sub(cover); residual.IsPositive() {
			signed := residual
			if f.Side.IsAsk() {
				signed = residual.Neg()
			}
			c.positionBase = c.positionBase.Add(signed)
			c.positionCost = c.positionCost.Add(f.Price.Mul(signed))
		}
	}
}

// PositionBase returns the signed base position seen through the cursor.
func (c *PnLCursor) PositionBase() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionBase
}

// PnL returns realized plus mark-to-mid unrealized P&L at the given mid.
func (c *PnLCursor) PnL(mid decimal.Decimal) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realizedPnL.Add(mid.Mul(c.positionBase)).Sub(c.positionCost)
}

// RealizedPnL returns the realized component alone, for readers without
// a current mid.
func (c *PnLCursor) RealizedPnL() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realizedPnL
}
