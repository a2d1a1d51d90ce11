package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"gridmm/internal/gridid"
	"gridmm/pkg/types"
)

// SymbolSnapshots builds the per-symbol runtime view: profit, volume,
// trade count, position notional, and open-order count, read from the
// simulation engines in dry-run mode or from the venue otherwise.
func (s *Supervisor) SymbolSnapshots(ctx context.Context) map[string]types.SymbolSnapshot {
	out := make(map[string]types.SymbolSnapshot)

	file, err := s.store.Load()
	if err != nil {
		s.logger.Error("config load failed", "error", err)
		return out
	}
	statuses := s.Snapshot()

	for symbol, strat := range file.Strategies {
		snap := types.SymbolSnapshot{}
		if st, ok := statuses[symbol]; ok {
			snap.Running = st.Running
			snap.ReduceMode = st.ReduceMode
		}

		if file.Runtime.DryRun {
			s.fillFromSim(symbol, &snap)
		} else {
			s.fillFromVenue(ctx, symbol, strat.MarketID, &snap)
		}
		out[symbol] = snap
	}
	return out
}

func (s *Supervisor) fillFromSim(symbol string, snap *types.SymbolSnapshot) {
	s.mu.Lock()
	eng, ok := s.sims[symbol]
	startMs := s.startMs[symbol]
	s.mu.Unlock()
	if !ok {
		return
	}

	snap.Profit = eng.PnLAtLastMid()
	snap.Volume, snap.TradeCount = eng.TradeStats(startMs, 0)
	snap.PositionNotional = eng.PositionBase().Mul(eng.LastMid()).Abs()
	snap.OpenOrders = len(eng.OpenOrders())
}

// fillFromVenue reads live state. Session profit comes from the
// symbol's trade cursor, which the loop keeps fed from the venue's
// trade history; it is marked to the current mid when one is available
// and reported as realized-only otherwise.
func (s *Supervisor) fillFromVenue(ctx context.Context, symbol string, configured *int64, snap *types.SymbolSnapshot) {
	marketID := int64(0)
	if configured != nil && *configured > 0 {
		marketID = *configured
	} else {
		id, err := s.trader.ResolveMarket(ctx, symbol)
		if err != nil {
			return
		}
		marketID = id
	}
	prefix := gridid.Prefix(s.trader.AccountKey(), marketID, symbol)

	mid := decimal.Zero
	if bid, ask, ok, err := s.trader.BestBidAsk(ctx, marketID); err == nil && ok {
		mid = bid.Add(ask).Div(decimal.NewFromInt(2))
	}

	cursor := s.cursorFor(symbol)
	if mid.IsPositive() {
		snap.Profit = cursor.PnL(mid)
	} else {
		snap.Profit = cursor.RealizedPnL()
	}

	if pos, err := s.trader.PositionBase(ctx, marketID); err == nil && !pos.IsZero() && mid.IsPositive() {
		snap.PositionNotional = pos.Mul(mid).Abs()
	}
	if orders, err := s.trader.ActiveOrders(ctx, marketID); err == nil {
		for _, o := range orders {
			if gridid.IsGridOrder(prefix, o.ClientOrderID) {
				snap.OpenOrders++
			}
		}
	}

	s.mu.Lock()
	startMs := s.startMs[symbol]
	s.mu.Unlock()
	if startMs > 0 {
		if vol, count, err := s.trader.FillsSince(ctx, marketID, startMs, s.now().UnixMilli()); err == nil {
			snap.Volume = vol
			snap.TradeCount = count
		}
	}
}
