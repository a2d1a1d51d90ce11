// Package exchange defines the venue-agnostic trader contract the control
// loop talks to, the error taxonomy venues must surface, and the
// symbol-scoped rate-limit backoff state.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"gridmm/pkg/types"
)

// LimitOrder is a placement request with price and size already scaled to
// the market's integer wire units. The trader never rounds.
type LimitOrder struct {
	MarketID      int64
	ClientOrderID uint64
	BaseAmount    int64 // base units * 10^size_decimals
	Price         int64 // price * 10^price_decimals
	IsAsk         bool
	PostOnly      bool
	ReduceOnly    bool
}

// MarketOrder is an immediate-or-cancel request in integer wire units.
type MarketOrder struct {
	MarketID   int64
	BaseAmount int64
	IsAsk      bool
	ReduceOnly bool
}

// Trader is one authenticated connection to one venue for one account.
//
// Implementations must be safe for concurrent use, impose their own
// minimum inter-request spacing, and surface venue rate-limit responses so
// that IsRateLimited recognizes them. Placement is idempotent per
// (account, client order id).
type Trader interface {
	// AccountKey identifies the venue account for CID prefix derivation.
	AccountKey() string

	// ResolveMarket maps a symbol to the venue's market id.
	ResolveMarket(ctx context.Context, symbol string) (int64, error)

	// MarketMeta returns the market's decimals and minimums, cached after
	// the first successful fetch.
	MarketMeta(ctx context.Context, marketID int64) (types.MarketMeta, error)

	// BestBidAsk returns the top of book, preferring a WS cache and
	// falling back to REST. ok is false when no book is known yet.
	BestBidAsk(ctx context.Context, marketID int64) (bid, ask decimal.Decimal, ok bool, err error)

	// ActiveOrders lists the account's resting orders as normalized
	// records.
	ActiveOrders(ctx context.Context, marketID int64) ([]types.OpenOrder, error)

	// PositionBase returns the signed base position; may be served from a
	// cache no older than 2 s.
	PositionBase(ctx context.Context, marketID int64) (decimal.Decimal, error)

	CreateLimit(ctx context.Context, o LimitOrder) error
	CreateMarket(ctx context.Context, o MarketOrder) error

	// Cancel revokes an order by its venue-native id. Idempotent.
	Cancel(ctx context.Context, marketID int64, orderID string) error

	// FillsSince returns (notional volume, fill count) over [startMs,
	// endMs) with a bounded page count.
	FillsSince(ctx context.Context, marketID, startMs, endMs int64) (decimal.Decimal, int, error)

	// TradesSince returns the account's own fills over [startMs, endMs)
	// as normalized records, oldest first, with a bounded page count.
	TradesSince(ctx context.Context, marketID, startMs, endMs int64) ([]types.Fill, error)

	// AuthToken returns a bearer token valid for at least 60 s.
	AuthToken(ctx context.Context) (string, error)

	// CheckClient performs a synchronous self-test.
	CheckClient(ctx context.Context) error

	// Close tears down sockets.
	Close() error
}
