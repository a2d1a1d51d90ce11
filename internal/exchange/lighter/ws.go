package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second

	// bboFreshness bounds how old a cached top-of-book may be before the
	// trader falls back to REST.
	bboFreshness = 5 * time.Second
)

type bboEntry struct {
	bid, ask decimal.Decimal
	at       time.Time
}

// BBOFeed maintains one websocket subscription per market and caches the
// latest top of book. It reconnects with exponential backoff (1s -> 30s),
// re-subscribes to every tracked market, and applies a read deadline so a
// silent server is detected within two missed pings.
type BBOFeed struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.Mutex
	subscribed map[int64]bool

	bookMu sync.RWMutex
	books  map[int64]bboEntry
}

func NewBBOFeed(wsURL string, logger *slog.Logger) *BBOFeed {
	return &BBOFeed{
		url:        wsURL,
		logger:     logger.With("component", "lighter_ws"),
		subscribed: make(map[int64]bool),
		books:      make(map[int64]bboEntry),
	}
}

// Top returns the cached BBO for a market; ok is false when the cache is
// empty or stale.
func (f *BBOFeed) Top(marketID int64) (bid, ask decimal.Decimal, ok bool) {
	f.bookMu.RLock()
	defer f.bookMu.RUnlock()
	e, exists := f.books[marketID]
	if !exists || time.Since(e.at) > bboFreshness {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return e.bid, e.ask, true
}

// Subscribe starts tracking a market. Safe before and after Run.
func (f *BBOFeed) Subscribe(marketID int64) error {
	f.subMu.Lock()
	already := f.subscribed[marketID]
	f.subscribed[marketID] = true
	f.subMu.Unlock()
	if already {
		return nil
	}
	// Best effort; reconnect re-sends every subscription anyway.
	return f.writeJSON(map[string]any{
		"type":    "subscribe",
		"channel": fmt.Sprintf("order_book/%d", marketID),
	})
}

// Run connects and maintains the connection until ctx is cancelled.
func (f *BBOFeed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close tears down the socket.
func (f *BBOFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *BBOFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(msg)
	}
}

func (f *BBOFeed) resubscribe() error {
	f.subMu.Lock()
	ids := make([]int64, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subMu.Unlock()

	for _, id := range ids {
		err := f.writeJSON(map[string]any{
			"type":    "subscribe",
			"channel": fmt.Sprintf("order_book/%d", id),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type wsBookMsg struct {
	Type     string `json:"type"`
	MarketID int64  `json:"market_id"`
	Bids     []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

func (f *BBOFeed) handleMessage(data []byte) {
	var msg wsBookMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message")
		return
	}
	switch msg.Type {
	case "update/order_book", "subscribed/order_book":
		if len(msg.Bids) == 0 || len(msg.Asks) == 0 {
			return
		}
		bid, err1 := decimal.NewFromString(msg.Bids[0].Price)
		ask, err2 := decimal.NewFromString(msg.Asks[0].Price)
		if err1 != nil || err2 != nil {
			f.logger.Error("bad book prices", "market_id", msg.MarketID)
			return
		}
		f.bookMu.Lock()
		f.books[msg.MarketID] = bboEntry{bid: bid, ask: ask, at: time.Now()}
		f.bookMu.Unlock()
	case "ping":
		_ = f.writeJSON(map[string]string{"type": "pong"})
	default:
		f.logger.Debug("unknown ws message type", "type", msg.Type)
	}
}

func (f *BBOFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]string{"type": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *BBOFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
