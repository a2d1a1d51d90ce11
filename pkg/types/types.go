// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order sides,
// market metadata, normalized open orders, fills, and bot status. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the side of a resting order: ask (sell) or bid (buy).
type Side string

const (
	Ask Side = "ask"
	Bid Side = "bid"
)

// IsAsk reports whether the side is the sell side.
func (s Side) IsAsk() bool { return s == Ask }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Ask {
		return Bid
	}
	return Ask
}

// SideFromAsk converts the wire-level is_ask flag to a Side.
func SideFromAsk(isAsk bool) Side {
	if isAsk {
		return Ask
	}
	return Bid
}

// GridMode selects how the desired grid is derived each tick.
type GridMode string

const (
	// GridDynamic snaps the grid center to mid rounded to grid_step and
	// quotes levels_up asks / levels_down bids around it.
	GridDynamic GridMode = "dynamic"
	// GridAS quotes exactly one ask and one bid around the
	// Avellaneda-Stoikov reservation price.
	GridAS GridMode = "as"
)

// SizeMode selects how order_size_value is interpreted.
type SizeMode string

const (
	SizeNotional SizeMode = "notional" // size_value is quote notional; base = value / price
	SizeBase     SizeMode = "base"     // size_value is base quantity
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketMeta describes one perpetual market on a venue. Immutable after the
// first successful fetch; traders cache it per market id.
//
// Invariant: every price/size the engine emits for this market is a multiple
// of 10^(-PriceDecimals) / 10^(-SizeDecimals) respectively.
type MarketMeta struct {
	MarketID       int64
	Symbol         string
	SizeDecimals   int32
	PriceDecimals  int32
	MinBaseAmount  decimal.Decimal
	MinQuoteAmount decimal.Decimal
}

// MinPosition returns the dust threshold below which a position is treated
// as flat: max(MinBaseAmount, one size tick).
func (m MarketMeta) MinPosition() decimal.Decimal {
	tick := decimal.New(1, -m.SizeDecimals)
	if m.MinBaseAmount.GreaterThan(tick) {
		return m.MinBaseAmount
	}
	return tick
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// OpenOrder is the normalized view of a resting order on a venue. Venue
// decoders map their native payloads (client_order_id vs client_order_index,
// side vs is_ask, price vs base_price) into this record; the control loop
// never sees raw venue schemas.
type OpenOrder struct {
	ClientOrderID uint64          // deterministic grid CID (0 if not ours)
	OrderID       string          // venue-native id used for cancels
	Side          Side            //
	Price         decimal.Decimal // decimal price on the market's tick grid
	BaseAmount    decimal.Decimal // remaining base quantity
	Status        string          // venue status string, informational
	CreatedAt     time.Time       //
}

// Fill is a single execution, either observed from venue trade history or
// produced by the simulation engine.
type Fill struct {
	TsMs  int64           `json:"ts_ms"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Side  Side            `json:"side"`
}

// Notional returns |price * size|.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Size).Abs()
}

// ————————————————————————————————————————————————————————————————————————
// Bot status
// ————————————————————————————————————————————————————————————————————————

// BotStatus is the externally visible state of one symbol's control loop.
// Written only by the owning loop and by explicit start/stop; the supervisor
// hands out copies.
type BotStatus struct {
	Symbol     string    `json:"symbol"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	LastTickAt time.Time `json:"last_tick_at,omitzero"`
	Message    string    `json:"message"`
	MarketID   int64     `json:"market_id,omitempty"`
	Mid        string    `json:"mid,omitempty"`
	Center     string    `json:"center,omitempty"`
	Desired    int       `json:"desired"`
	Existing   int       `json:"existing"`
	DelayCount int       `json:"delay_count"`
	ReduceMode bool      `json:"reduce_mode"`
	StopSignal bool      `json:"stop_signal"`
	StopReason string    `json:"stop_reason,omitempty"`
}

// SymbolSnapshot is the per-symbol section of a run-history record and of
// the runtime status view.
type SymbolSnapshot struct {
	Profit           decimal.Decimal `json:"profit"`
	Volume           decimal.Decimal `json:"volume"`
	TradeCount       int             `json:"trade_count"`
	PositionNotional decimal.Decimal `json:"position_notional"`
	OpenOrders       int             `json:"open_orders"`
	ReduceMode       bool            `json:"reduce_mode"`
	Running          bool            `json:"running"`
}
