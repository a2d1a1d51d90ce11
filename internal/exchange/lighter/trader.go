package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/exchange"
	"gridmm/pkg/types"
)

const (
	// positionCacheTTL bounds how stale a served position may be.
	positionCacheTTL = 2 * time.Second
	// resolveCooldown limits symbol-to-market resolution retries.
	resolveCooldown = 20 * time.Second
	// wsWaitTimeout is how long BestBidAsk waits for a WS value before
	// falling back to REST.
	wsWaitTimeout = time.Second

	maxTradePages = 5
)

type positionEntry struct {
	value decimal.Decimal
	at    time.Time
}

// Trader implements exchange.Trader against the venue. One Trader is one
// authenticated account; all its caches are trader-local.
type Trader struct {
	client *Client
	feed   *BBOFeed
	signer *Signer
	logger *slog.Logger

	metaMu sync.Mutex
	meta   map[int64]types.MarketMeta

	resolveMu   sync.Mutex
	resolved    map[string]int64
	lastResolve map[string]time.Time

	posMu     sync.Mutex
	positions map[int64]positionEntry

	// nonceMu serializes the sign+send round trip; the local counter is
	// refetched after any send failure.
	nonceMu   sync.Mutex
	nonce     int64
	nonceInit bool
}

// NewTrader wires the REST client, WS feed, and signer into one account
// connection. Callers run feed.Run themselves (usually in an errgroup).
func NewTrader(client *Client, feed *BBOFeed, signer *Signer, logger *slog.Logger) *Trader {
	return &Trader{
		client:      client,
		feed:        feed,
		signer:      signer,
		logger:      logger.With("component", "lighter_trader"),
		meta:        make(map[int64]types.MarketMeta),
		resolved:    make(map[string]int64),
		lastResolve: make(map[string]time.Time),
		positions:   make(map[int64]positionEntry),
	}
}

// Feed exposes the BBO feed for lifecycle management.
func (t *Trader) Feed() *BBOFeed { return t.feed }

func (t *Trader) AccountKey() string {
	return strconv.FormatInt(t.signer.AccountIndex(), 10)
}

// ResolveMarket maps a symbol to its market id, retrying a miss at most
// once per cooldown window.
func (t *Trader) ResolveMarket(ctx context.Context, symbol string) (int64, error) {
	t.resolveMu.Lock()
	if id, ok := t.resolved[symbol]; ok {
		t.resolveMu.Unlock()
		return id, nil
	}
	if last, ok := t.lastResolve[symbol]; ok && time.Since(last) < resolveCooldown {
		t.resolveMu.Unlock()
		return 0, fmt.Errorf("resolve %s: cooling down: %w", symbol, exchange.ErrStale)
	}
	t.lastResolve[symbol] = time.Now()
	t.resolveMu.Unlock()

	books, err := t.client.OrderBooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", symbol, err)
	}
	for _, ob := range books {
		if ob.MarketType != "perp" || ob.Symbol != symbol {
			continue
		}
		t.resolveMu.Lock()
		t.resolved[symbol] = ob.MarketID
		t.resolveMu.Unlock()
		t.cacheMeta(ob)
		return ob.MarketID, nil
	}
	return 0, fmt.Errorf("resolve %s: unknown symbol", symbol)
}

func (t *Trader) cacheMeta(ob orderBookMeta) {
	minBase, err := decimal.NewFromString(ob.MinBaseAmount)
	if err != nil {
		minBase = decimal.Zero
	}
	minQuote, err := decimal.NewFromString(ob.MinQuoteAmount)
	if err != nil {
		minQuote = decimal.Zero
	}
	meta := types.MarketMeta{
		MarketID:       ob.MarketID,
		Symbol:         ob.Symbol,
		SizeDecimals:   ob.SizeDecimals,
		PriceDecimals:  ob.PriceDecimals,
		MinBaseAmount:  minBase,
		MinQuoteAmount: minQuote,
	}
	t.metaMu.Lock()
	t.meta[ob.MarketID] = meta
	t.metaMu.Unlock()
}

// MarketMeta returns the market's decimals, cached after first success.
func (t *Trader) MarketMeta(ctx context.Context, marketID int64) (types.MarketMeta, error) {
	t.metaMu.Lock()
	if meta, ok := t.meta[marketID]; ok {
		t.metaMu.Unlock()
		return meta, nil
	}
	t.metaMu.Unlock()

	books, err := t.client.OrderBooks(ctx)
	if err != nil {
		return types.MarketMeta{}, fmt.Errorf("market meta %d: %w", marketID, err)
	}
	for _, ob := range books {
		if ob.MarketType != "perp" || ob.MarketID != marketID {
			continue
		}
		t.cacheMeta(ob)
		t.metaMu.Lock()
		meta := t.meta[marketID]
		t.metaMu.Unlock()
		return meta, nil
	}
	return types.MarketMeta{}, fmt.Errorf("market meta: unknown market_id %d", marketID)
}

// BestBidAsk prefers the WS cache, waiting up to one second for a value
// before falling back to REST. ok is false when neither side is known.
func (t *Trader) BestBidAsk(ctx context.Context, marketID int64) (decimal.Decimal, decimal.Decimal, bool, error) {
	_ = t.feed.Subscribe(marketID)

	deadline := time.Now().Add(wsWaitTimeout)
	for {
		if bid, ask, ok := t.feed.Top(marketID); ok {
			return bid, ask, true, nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return decimal.Decimal{}, decimal.Decimal{}, false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	bidStr, askStr, err := t.client.BookTop(ctx, marketID)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, false, err
	}
	if bidStr == "" || askStr == "" {
		return decimal.Decimal{}, decimal.Decimal{}, false, nil
	}
	bid, err := decimal.NewFromString(bidStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, false, fmt.Errorf("parse bid %q: %w", bidStr, err)
	}
	ask, err := decimal.NewFromString(askStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, false, fmt.Errorf("parse ask %q: %w", askStr, err)
	}
	return bid, ask, true, nil
}

// ActiveOrders lists resting orders as normalized records.
func (t *Trader) ActiveOrders(ctx context.Context, marketID int64) ([]types.OpenOrder, error) {
	token, err := t.signer.AuthToken(time.Now())
	if err != nil {
		return nil, err
	}
	raws, err := t.client.ActiveOrders(ctx, t.signer.AccountIndex(), marketID, token)
	if err != nil {
		return nil, err
	}
	orders := make([]types.OpenOrder, 0, len(raws))
	for _, r := range raws {
		orders = append(orders, normalizeOrder(r))
	}
	return orders, nil
}

// normalizeOrder maps the venue's field variants onto the engine's
// OpenOrder.
func normalizeOrder(r rawOrder) types.OpenOrder {
	cid := r.ClientOrderID
	if cid == 0 {
		cid = r.ClientOrderIndex
	}

	orderID := r.OrderID
	if orderID == "" {
		orderID = strconv.FormatInt(r.OrderIndex, 10)
	}

	var side types.Side
	switch {
	case r.IsAsk != nil:
		side = types.SideFromAsk(*r.IsAsk)
	case r.Side != "":
		if r.Side == "ask" || r.Side == "sell" {
			side = types.Ask
		} else {
			side = types.Bid
		}
	}

	priceStr := r.Price
	if priceStr == "" {
		priceStr = r.BasePrice
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		price = decimal.Zero
	}

	baseStr := r.RemainingBase
	if baseStr == "" {
		baseStr = r.InitialBase
	}
	base, err := decimal.NewFromString(baseStr)
	if err != nil {
		base = decimal.Zero
	}

	return types.OpenOrder{
		ClientOrderID: cid,
		OrderID:       orderID,
		Side:          side,
		Price:         price,
		BaseAmount:    base,
		Status:        r.Status,
		CreatedAt:     time.UnixMilli(r.CreatedAtMs),
	}
}

// PositionBase returns the signed base position, served from a cache no
// older than 2 s.
func (t *Trader) PositionBase(ctx context.Context, marketID int64) (decimal.Decimal, error) {
	t.posMu.Lock()
	if e, ok := t.positions[marketID]; ok && time.Since(e.at) < positionCacheTTL {
		t.posMu.Unlock()
		return e.value, nil
	}
	t.posMu.Unlock()

	token, err := t.signer.AuthToken(time.Now())
	if err != nil {
		return decimal.Decimal{}, err
	}
	acct, err := t.client.Account(ctx, t.signer.AccountIndex(), token)
	if err != nil {
		return decimal.Decimal{}, err
	}

	now := time.Now()
	t.posMu.Lock()
	defer t.posMu.Unlock()
	for _, p := range acct.Positions {
		val, err := decimal.NewFromString(p.Position)
		if err != nil {
			continue
		}
		if p.Sign < 0 {
			val = val.Neg()
		}
		t.positions[p.MarketID] = positionEntry{value: val, at: now}
	}
	if e, ok := t.positions[marketID]; ok && now.Sub(e.at) < positionCacheTTL {
		return e.value, nil
	}
	// No entry means flat.
	t.positions[marketID] = positionEntry{value: decimal.Zero, at: now}
	return decimal.Zero, nil
}

type orderTxInfo struct {
	AccountIndex     int64  `json:"account_index"`
	APIKeyIndex      int64  `json:"api_key_index"`
	MarketIndex      int64  `json:"market_index"`
	ClientOrderIndex uint64 `json:"client_order_index,omitempty"`
	OrderIndex       int64  `json:"order_index,omitempty"`
	BaseAmount       int64  `json:"base_amount,omitempty"`
	Price            int64  `json:"price,omitempty"`
	IsAsk            bool   `json:"is_ask"`
	OrderType        int    `json:"order_type"`
	TimeInForce      int    `json:"time_in_force"`
	ReduceOnly       bool   `json:"reduce_only"`
	Nonce            int64  `json:"nonce"`
}

// sendSignedTx holds the nonce lock across the sign+send round trip. A
// failed send invalidates the local counter so the next call refetches it.
func (t *Trader) sendSignedTx(ctx context.Context, txType int, info orderTxInfo) error {
	t.nonceMu.Lock()
	defer t.nonceMu.Unlock()

	if !t.nonceInit {
		n, err := t.client.NextNonce(ctx, t.signer.AccountIndex(), t.signer.APIKeyIndex())
		if err != nil {
			return err
		}
		t.nonce = n
		t.nonceInit = true
	}
	info.AccountIndex = t.signer.AccountIndex()
	info.APIKeyIndex = t.signer.APIKeyIndex()
	info.Nonce = t.nonce

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}
	sig, err := t.signer.SignTx(payload)
	if err != nil {
		return err
	}
	if err := t.client.SendTx(ctx, txType, payload, sig); err != nil {
		t.nonceInit = false
		return err
	}
	t.nonce++
	return nil
}

func (t *Trader) CreateLimit(ctx context.Context, o exchange.LimitOrder) error {
	tif := tifGoodTillTime
	if o.PostOnly {
		tif = tifPostOnly
	}
	err := t.sendSignedTx(ctx, txTypeCreateOrder, orderTxInfo{
		MarketIndex:      o.MarketID,
		ClientOrderIndex: o.ClientOrderID,
		BaseAmount:       o.BaseAmount,
		Price:            o.Price,
		IsAsk:            o.IsAsk,
		OrderType:        orderTypeLimit,
		TimeInForce:      tif,
		ReduceOnly:       o.ReduceOnly,
	})
	if err != nil {
		return fmt.Errorf("create limit cid=%d: %w", o.ClientOrderID, err)
	}
	return nil
}

func (t *Trader) CreateMarket(ctx context.Context, o exchange.MarketOrder) error {
	err := t.sendSignedTx(ctx, txTypeCreateOrder, orderTxInfo{
		MarketIndex: o.MarketID,
		BaseAmount:  o.BaseAmount,
		IsAsk:       o.IsAsk,
		OrderType:   orderTypeMarket,
		TimeInForce: tifImmediateOrCancel,
		ReduceOnly:  o.ReduceOnly,
	})
	if err != nil {
		return fmt.Errorf("create market: %w", err)
	}
	return nil
}

func (t *Trader) Cancel(ctx context.Context, marketID int64, orderID string) error {
	idx, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel: bad order id %q: %w", orderID, err)
	}
	if err := t.sendSignedTx(ctx, txTypeCancelOrder, orderTxInfo{
		MarketIndex: marketID,
		OrderIndex:  idx,
	}); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	return nil
}

// TradesSince pages the account's fills over [startMs, endMs) into
// normalized records, oldest first, following the cursor for at most a
// few pages. The account's side of each print is recovered from the
// trade's ask/bid account ids.
func (t *Trader) TradesSince(ctx context.Context, marketID, startMs, endMs int64) ([]types.Fill, error) {
	token, err := t.signer.AuthToken(time.Now())
	if err != nil {
		return nil, err
	}

	var fills []types.Fill
	cursor := ""
	for page := 0; page < maxTradePages; page++ {
		resp, err := t.client.Trades(ctx, t.signer.AccountIndex(), marketID, startMs, endMs, cursor, token)
		if err != nil {
			return nil, err
		}
		for _, tr := range resp.Trades {
			if tr.TsMs < startMs || (endMs > 0 && tr.TsMs >= endMs) {
				continue
			}
			price, err1 := decimal.NewFromString(tr.Price)
			size, err2 := decimal.NewFromString(tr.Size)
			if err1 != nil || err2 != nil {
				continue
			}
			side := types.Bid
			if tr.AskAccount == t.signer.AccountIndex() {
				side = types.Ask
			}
			fills = append(fills, types.Fill{TsMs: tr.TsMs, Price: price, Size: size, Side: side})
		}
		if resp.Cursor == "" || len(resp.Trades) == 0 {
			break
		}
		cursor = resp.Cursor
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].TsMs < fills[j].TsMs })
	return fills, nil
}

// FillsSince sums the account's fill notional over [startMs, endMs).
func (t *Trader) FillsSince(ctx context.Context, marketID, startMs, endMs int64) (decimal.Decimal, int, error) {
	fills, err := t.TradesSince(ctx, marketID, startMs, endMs)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}
	notional := decimal.Zero
	for _, f := range fills {
		notional = notional.Add(f.Notional())
	}
	return notional, len(fills), nil
}

func (t *Trader) AuthToken(ctx context.Context) (string, error) {
	return t.signer.AuthToken(time.Now())
}

// CheckClient verifies signing and account access.
func (t *Trader) CheckClient(ctx context.Context) error {
	token, err := t.signer.AuthToken(time.Now())
	if err != nil {
		return err
	}
	if _, err := t.client.Account(ctx, t.signer.AccountIndex(), token); err != nil {
		return fmt.Errorf("check client: %w", err)
	}
	return nil
}

func (t *Trader) Close() error {
	return t.feed.Close()
}
