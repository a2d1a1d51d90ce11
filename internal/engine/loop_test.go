package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/config"
	"gridmm/internal/exchange"
	"gridmm/internal/gridid"
	"gridmm/internal/quant"
	"gridmm/internal/sim"
	"gridmm/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTrader is an in-memory venue for loop tests.
type fakeTrader struct {
	mu sync.Mutex

	bid, ask decimal.Decimal
	haveBook bool
	meta     types.MarketMeta

	orders       map[uint64]types.OpenOrder
	created      []exchange.LimitOrder
	marketOrders []exchange.MarketOrder
	cancelled    []string
	position     decimal.Decimal
	fills        []types.Fill

	createErr   error
	panicOnBook bool
	bookCalls   int
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{
		meta: types.MarketMeta{
			MarketID:       7,
			Symbol:         "ETH",
			SizeDecimals:   4,
			PriceDecimals:  2,
			MinBaseAmount:  d("0.001"),
			MinQuoteAmount: d("5"),
		},
		orders: make(map[uint64]types.OpenOrder),
	}
}

func (f *fakeTrader) setBook(bid, ask string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bid, f.ask, f.haveBook = d(bid), d(ask), true
}

func (f *fakeTrader) AccountKey() string { return "acct" }

func (f *fakeTrader) ResolveMarket(ctx context.Context, symbol string) (int64, error) {
	return 7, nil
}

func (f *fakeTrader) MarketMeta(ctx context.Context, marketID int64) (types.MarketMeta, error) {
	return f.meta, nil
}

func (f *fakeTrader) BestBidAsk(ctx context.Context, marketID int64) (decimal.Decimal, decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnBook {
		panic("book exploded")
	}
	f.bookCalls++
	return f.bid, f.ask, f.haveBook, nil
}

func (f *fakeTrader) ActiveOrders(ctx context.Context, marketID int64) ([]types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OpenOrder, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out, nil
}

func (f *fakeTrader) PositionBase(ctx context.Context, marketID int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeTrader) CreateLimit(ctx context.Context, o exchange.LimitOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, o)
	f.orders[o.ClientOrderID] = types.OpenOrder{
		ClientOrderID: o.ClientOrderID,
		OrderID:       strconv.FormatUint(o.ClientOrderID, 10),
		Side:          types.SideFromAsk(o.IsAsk),
		Price:         quant.FromInt(o.Price, f.meta.PriceDecimals),
		BaseAmount:    quant.FromInt(o.BaseAmount, f.meta.SizeDecimals),
		Status:        "open",
	}
	return nil
}

func (f *fakeTrader) CreateMarket(ctx context.Context, o exchange.MarketOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketOrders = append(f.marketOrders, o)
	return nil
}

func (f *fakeTrader) Cancel(ctx context.Context, marketID int64, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid, err := strconv.ParseUint(orderID, 10, 64)
	if err == nil {
		delete(f.orders, cid)
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeTrader) TradesSince(ctx context.Context, marketID, startMs, endMs int64) ([]types.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Fill
	for _, fl := range f.fills {
		if fl.TsMs < startMs || (endMs > 0 && fl.TsMs >= endMs) {
			continue
		}
		out = append(out, fl)
	}
	return out, nil
}

func (f *fakeTrader) FillsSince(ctx context.Context, marketID, startMs, endMs int64) (decimal.Decimal, int, error) {
	fills, err := f.TradesSince(ctx, marketID, startMs, endMs)
	if err != nil {
		return decimal.Zero, 0, err
	}
	notional := decimal.Zero
	for _, fl := range fills {
		notional = notional.Add(fl.Notional())
	}
	return notional, len(fills), nil
}

func (f *fakeTrader) AuthToken(ctx context.Context) (string, error) { return "token", nil }
func (f *fakeTrader) CheckClient(ctx context.Context) error         { return nil }
func (f *fakeTrader) Close() error                                  { return nil }

func (f *fakeTrader) createdPrices() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.created))
	for i, o := range f.created {
		out[i] = o.Price
	}
	return out
}

// clock is a deterministic time source stepping forward on every call.
type clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newClock(step time.Duration) *clock {
	return &clock{t: time.UnixMilli(1_700_000_000_000), step: step}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func writeConfig(t *testing.T, store *config.Store, file config.File) {
	t.Helper()
	data, err := json.Marshal(file)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.NoError(t, store.Write(raw))
}

func testFile(dryRun bool) config.File {
	file := config.DefaultFile()
	rt := config.DefaultRuntime()
	rt.DryRun = dryRun
	rt.SimulateFill = dryRun
	file.Runtime = rt

	strat := config.DefaultStrategy()
	strat.GridStep = d("1")
	strat.LevelsUp = 2
	strat.LevelsDown = 2
	strat.OrderSizeMode = types.SizeBase
	strat.OrderSizeValue = d("0.1")
	strat.MaxOpenOrders = 0
	strat.MaxPositionNotional = decimal.Zero
	file.Strategies = map[string]config.Strategy{"ETH": strat}
	return file
}

type loopHarness struct {
	loop   *Loop
	trader *fakeTrader
	store  *config.Store
	sim    *sim.Engine
	clock  *clock
	status []types.BotStatus
	stops  []string
}

func newHarness(t *testing.T, file config.File) *loopHarness {
	t.Helper()
	store, err := config.OpenStore(t.TempDir())
	require.NoError(t, err)
	writeConfig(t, store, file)

	h := &loopHarness{
		trader: newFakeTrader(),
		store:  store,
		sim:    sim.New(),
		clock:  newClock(time.Second),
	}
	h.loop = NewLoop(LoopConfig{
		Symbol:  "ETH",
		Trader:  h.trader,
		Store:   store,
		Sim:     h.sim,
		Backoff: exchange.NewBackoff(),
		Logger:  testLogger(),
		StartMs: h.clock.t.UnixMilli(),
		Now:     h.clock.Now,
		Publish: func(st types.BotStatus) { h.status = append(h.status, st) },
		OnStop:  func(reason string) { h.stops = append(h.stops, reason) },
	})
	return h
}

func (h *loopHarness) lastStatus(t *testing.T) types.BotStatus {
	t.Helper()
	require.NotEmpty(t, h.status)
	return h.status[len(h.status)-1]
}

func TestLoopPlacesInitialGrid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testFile(false))
	h.trader.setBook("100", "101")

	_, done := h.loop.tick(context.Background())
	require.False(t, done)

	// mid 100.5, step 1 → center 101, asks 102/103, bids 100/99,
	// interleaved by distance with asks first on ties.
	assert.Equal(t, []int64{10200, 10000, 10300, 9900}, h.trader.createdPrices())

	prefix := gridid.Prefix("acct", 7, "ETH")
	askCID, _ := gridid.OrderID(prefix, types.Ask, 1)
	bidCID, _ := gridid.OrderID(prefix, types.Bid, 1)
	assert.Equal(t, askCID, h.trader.created[0].ClientOrderID)
	assert.Equal(t, bidCID, h.trader.created[1].ClientOrderID)
	for _, o := range h.trader.created {
		assert.Equal(t, int64(1000), o.BaseAmount) // 0.1 at 4 size decimals
		assert.True(t, o.PostOnly)
	}

	st := h.lastStatus(t)
	assert.Equal(t, "100.5", st.Mid)
	assert.Equal(t, "101", st.Center)
	assert.Equal(t, 4, st.Desired)
}

func TestLoopSecondTickIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testFile(false))
	h.trader.setBook("100", "101")

	h.loop.tick(context.Background())
	require.Len(t, h.trader.created, 4)

	h.loop.tick(context.Background())
	assert.Len(t, h.trader.created, 4)
	assert.Empty(t, h.trader.cancelled)
	assert.Equal(t, 4, h.lastStatus(t).Existing)
}

func TestLoopReconcilesAfterMidMove(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testFile(false))
	h.trader.setBook("100", "101")
	h.loop.tick(context.Background())
	require.Len(t, h.trader.created, 4)

	// Mid moves to 101.5 → center 102: bids become 101/100, asks 103/104.
	// The 99 bid is below band; 104 and 101 are missing; 102 stays inside
	// the band and 103/100 match desired prices.
	h.trader.setBook("101", "102")
	h.loop.tick(context.Background())

	require.Len(t, h.trader.cancelled, 1)
	prefix := gridid.Prefix("acct", 7, "ETH")
	bid2, _ := gridid.OrderID(prefix, types.Bid, 2) // the 99 bid got level 2
	assert.Equal(t, strconv.FormatUint(bid2, 10), h.trader.cancelled[0])

	assert.Equal(t, []int64{10200, 10000, 10300, 9900, 10100, 10400}, h.trader.createdPrices())
}

func TestLoopReduceModeHysteresis(t *testing.T) {
	t.Parallel()

	file := testFile(false)
	strat := file.Strategies["ETH"]
	strat.MaxPositionNotional = d("20")
	strat.ReduceOrderSizeMultiplier = d("2")
	file.Strategies["ETH"] = strat

	h := newHarness(t, file)
	h.trader.setBook("100", "101")
	h.trader.position = d("0.3") // notional 30.15 at mid 100.5

	h.loop.tick(context.Background())
	st := h.lastStatus(t)
	assert.True(t, st.ReduceMode)
	assert.Equal(t, "reduce mode", st.Message)

	// Long position: asks are doubled, bids stay at base size.
	for _, o := range h.trader.created {
		if o.IsAsk {
			assert.Equal(t, int64(2000), o.BaseAmount)
		} else {
			assert.Equal(t, int64(1000), o.BaseAmount)
		}
	}

	// Notional drops below the 0.8*max exit threshold → reduce mode ends.
	h.trader.position = d("0.1")
	h.loop.tick(context.Background())
	assert.False(t, h.lastStatus(t).ReduceMode)
}

func TestLoopStopAfterVolumeClosesWhenProfitable(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	file.Runtime.StopAfterVolume = d("5")
	h := newHarness(t, file)

	// Tick 1: grid placed in the simulated book around mid 100.5.
	h.trader.setBook("100", "101")
	_, done := h.loop.tick(context.Background())
	require.False(t, done)
	require.Len(t, h.sim.OpenOrders(), 4)

	// Tick 2: bid jumps through both asks → two fills, volume 20.5 trips
	// the stop. The short position's P&L at mid 103.25 is negative, so the
	// loop cancels everything but keeps spinning.
	h.trader.setBook("103", "103.5")
	_, done = h.loop.tick(context.Background())
	require.False(t, done)
	assert.True(t, h.loop.stopSignal)
	assert.Empty(t, h.sim.OpenOrders())
	assert.Equal(t, "-0.2", h.sim.PositionBase().String())

	// Tick 3: mid falls to 99.25, the short is in profit → reduce-only
	// close fires and the loop terminates.
	h.trader.setBook("99", "99.5")
	_, done = h.loop.tick(context.Background())
	require.True(t, done)
	assert.True(t, h.sim.PositionBase().IsZero())
	require.Len(t, h.stops, 1)
	assert.Contains(t, h.stops[0], "volume")
}

func TestLoopStopAfterMinutes(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	file.Runtime.StopAfterMinutes = 1.5
	h := newHarness(t, file)
	h.clock.step = time.Minute // each tick advances one minute

	h.trader.setBook("100", "101")
	_, done := h.loop.tick(context.Background())
	require.False(t, done)

	_, done = h.loop.tick(context.Background())
	require.True(t, done)
	assert.Empty(t, h.sim.OpenOrders())
	require.Len(t, h.stops, 1)
	assert.Contains(t, h.stops[0], "minutes")

	st := h.lastStatus(t)
	assert.True(t, st.StopSignal)
	assert.NotEmpty(t, st.StopReason)
}

func TestLoopBacksOffAfterRateLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testFile(false))
	h.clock.step = 100 * time.Millisecond // stay inside the 500ms backoff window
	h.trader.setBook("100", "101")
	h.trader.createErr = errors.New("http 429 too many requests")

	h.loop.tick(context.Background())
	assert.Empty(t, h.trader.created)
	assert.Equal(t, "rate limited", h.lastStatus(t).Message)

	// The next tick short-circuits before touching the venue.
	calls := h.trader.bookCalls
	h.loop.tick(context.Background())
	assert.Equal(t, calls, h.trader.bookCalls)
	assert.Equal(t, "rate limited", h.lastStatus(t).Message)
}

func TestLoopDisabledSymbolIdles(t *testing.T) {
	t.Parallel()

	file := testFile(false)
	strat := file.Strategies["ETH"]
	strat.Enabled = false
	file.Strategies["ETH"] = strat

	h := newHarness(t, file)
	h.trader.setBook("100", "101")
	_, done := h.loop.tick(context.Background())
	require.False(t, done)
	assert.Empty(t, h.trader.created)
	assert.Zero(t, h.trader.bookCalls)
}

func TestLoopNoBookPublishesAndWaits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testFile(false))
	// haveBook stays false.
	_, done := h.loop.tick(context.Background())
	require.False(t, done)
	assert.Empty(t, h.trader.created)
	assert.Contains(t, h.lastStatus(t).Message, "no book")
}

func TestLoopLiveDrawdownStopWaitsForBreakEven(t *testing.T) {
	t.Parallel()

	file := testFile(false)
	strat := file.Strategies["ETH"]
	strat.GridMode = types.GridAS
	strat.ASMaxDrawdown = d("0.25")
	file.Strategies["ETH"] = strat

	h := newHarness(t, file)
	startMs := h.clock.t.UnixMilli()
	h.trader.position = d("0.1")
	h.trader.fills = []types.Fill{
		{TsMs: startMs + 500, Price: d("100"), Size: d("0.1"), Side: types.Bid},
	}

	// Tick 1: the venue fill is folded into the trade cursor; P&L at mid
	// 102 is +0.2 and becomes the peak.
	h.trader.setBook("101.9", "102.1")
	_, done := h.loop.tick(context.Background())
	require.False(t, done)
	require.NotEmpty(t, h.trader.created)
	assert.Equal(t, "0.1", h.loop.cfg.Cursor.PositionBase().String())

	// Tick 2: mid 99 puts P&L at -0.1, a 0.3 drawdown from the peak. The
	// stop fires, quotes come off, but the losing close is deferred.
	h.trader.setBook("98.9", "99.1")
	_, done = h.loop.tick(context.Background())
	require.False(t, done)
	assert.True(t, h.loop.stopSignal)
	assert.Contains(t, h.loop.stopReason, "drawdown")
	assert.NotEmpty(t, h.trader.cancelled)
	assert.Empty(t, h.trader.marketOrders)

	// Tick 3: mid 104, the long is back in profit, so the reduce-only
	// close goes out and the loop finishes.
	h.trader.setBook("103.9", "104.1")
	_, done = h.loop.tick(context.Background())
	require.True(t, done)
	require.Len(t, h.trader.marketOrders, 1)
	assert.True(t, h.trader.marketOrders[0].IsAsk)
	assert.True(t, h.trader.marketOrders[0].ReduceOnly)
	assert.EqualValues(t, 1000, h.trader.marketOrders[0].BaseAmount)
	require.Len(t, h.stops, 1)
	assert.Contains(t, h.stops[0], "drawdown")
}

// countingHandler tallies log records by message.
type countingHandler struct {
	mu   sync.Mutex
	msgs map[string]int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *countingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs[r.Message]++
	return nil
}

func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msgs[msg]
}

func TestLoopThrottlesRepeatedErrorLogs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := config.OpenStore(dir)
	require.NoError(t, err)
	// Every config load fails from here on.
	require.NoError(t, os.Remove(filepath.Join(dir, "config.json")))

	counter := &countingHandler{msgs: make(map[string]int)}
	clk := newClock(100 * time.Millisecond)
	loop := NewLoop(LoopConfig{
		Symbol:  "ETH",
		Trader:  newFakeTrader(),
		Store:   store,
		Sim:     sim.New(),
		Backoff: exchange.NewBackoff(),
		Logger:  slog.New(counter),
		StartMs: clk.t.UnixMilli(),
		Now:     clk.Now,
	})

	for i := 0; i < 5; i++ {
		loop.tick(context.Background())
	}
	assert.Equal(t, 1, counter.count("config load failed"))

	// Once the throttle window passes, the same reason logs again.
	clk.mu.Lock()
	clk.t = clk.t.Add(6 * time.Second)
	clk.mu.Unlock()
	loop.tick(context.Background())
	assert.Equal(t, 2, counter.count("config load failed"))
}
