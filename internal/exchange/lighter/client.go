// Package lighter implements the trader contract against a Lighter-style
// perp DEX: a zk order-book venue addressed by integer market ids, with
// signed transactions for order management and an account-index keyed
// REST/WS API.
package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"gridmm/internal/exchange"
)

// Transaction and order type codes on the wire.
const (
	txTypeCreateOrder = 14
	txTypeCancelOrder = 15

	orderTypeLimit  = 0
	orderTypeMarket = 1

	tifImmediateOrCancel = 0
	tifGoodTillTime      = 1
	tifPostOnly          = 2
)

// Client is the venue REST client. Every call paces itself through a
// shared limiter (minimum inter-request spacing) and runs inside a
// circuit breaker so a dead venue fails fast instead of piling up
// timeouts.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	pace    *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds the REST client.
func NewClient(baseURL string, timeout, minGap time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if minGap <= 0 {
		minGap = 350 * time.Millisecond
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lighter-rest",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		pace:    rate.NewLimiter(rate.Every(minGap), 1),
		logger:  logger.With("component", "lighter_rest"),
	}
}

// orderBookMeta is one entry of GET /api/v1/orderBooks.
type orderBookMeta struct {
	MarketID       int64  `json:"market_id"`
	Symbol         string `json:"symbol"`
	MarketType     string `json:"market_type"`
	SizeDecimals   int32  `json:"supported_size_decimals"`
	PriceDecimals  int32  `json:"supported_price_decimals"`
	MinBaseAmount  string `json:"min_base_amount"`
	MinQuoteAmount string `json:"min_quote_amount"`
}

type orderBooksResponse struct {
	Code       int             `json:"code"`
	OrderBooks []orderBookMeta `json:"order_books"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookTopResponse struct {
	Code int         `json:"code"`
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// rawOrder tolerates the venue's heterogeneous order schema: client id
// appears as client_order_id or client_order_index, the side as is_ask or
// side, the price as price or base_price. The trader normalizes before
// anything reaches the loop.
type rawOrder struct {
	ClientOrderID    uint64 `json:"client_order_id"`
	ClientOrderIndex uint64 `json:"client_order_index"`
	OrderIndex       int64  `json:"order_index"`
	OrderID          string `json:"order_id"`
	IsAsk            *bool  `json:"is_ask"`
	Side             string `json:"side"`
	Price            string `json:"price"`
	BasePrice        string `json:"base_price"`
	RemainingBase    string `json:"remaining_base_amount"`
	InitialBase      string `json:"initial_base_amount"`
	Status           string `json:"status"`
	CreatedAtMs      int64  `json:"created_at"`
}

type activeOrdersResponse struct {
	Code   int        `json:"code"`
	Orders []rawOrder `json:"orders"`
}

type rawTrade struct {
	TradeID    int64  `json:"trade_id"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	AskAccount int64  `json:"ask_account_id"`
	BidAccount int64  `json:"bid_account_id"`
	TsMs       int64  `json:"timestamp"`
}

type tradesResponse struct {
	Code   int        `json:"code"`
	Trades []rawTrade `json:"trades"`
	Cursor string     `json:"cursor"`
}

type rawPosition struct {
	MarketID int64  `json:"market_id"`
	Sign     int    `json:"sign"` // 1 long, -1 short
	Position string `json:"position"`
}

type accountResponse struct {
	Code      int           `json:"code"`
	Positions []rawPosition `json:"positions"`
}

type nextNonceResponse struct {
	Code  int   `json:"code"`
	Nonce int64 `json:"nonce"`
}

type sendTxResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
}

// do paces, then runs fn inside the breaker.
func (c *Client) do(ctx context.Context, fn func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.pace.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return out.(*resty.Response), nil
}

// checkStatus maps HTTP-level failures onto the engine's error kinds.
func checkStatus(op string, resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status 429: %s: %w", op, resp.String(), exchange.ErrRateLimited)
	default:
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
}

// OrderBooks lists every market's metadata.
func (c *Client) OrderBooks(ctx context.Context) ([]orderBookMeta, error) {
	var result orderBooksResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/api/v1/orderBooks")
	})
	if err != nil {
		return nil, fmt.Errorf("order books: %w", err)
	}
	if err := checkStatus("order books", resp); err != nil {
		return nil, err
	}
	return result.OrderBooks, nil
}

// BookTop fetches the top of book over REST.
func (c *Client) BookTop(ctx context.Context, marketID int64) (bid, ask string, err error) {
	var result bookTopResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("market_id", fmt.Sprintf("%d", marketID)).
			SetQueryParam("limit", "1").
			SetResult(&result).
			Get("/api/v1/orderBookOrders")
	})
	if err != nil {
		return "", "", fmt.Errorf("book top: %w", err)
	}
	if err := checkStatus("book top", resp); err != nil {
		return "", "", err
	}
	if len(result.Bids) > 0 {
		bid = result.Bids[0].Price
	}
	if len(result.Asks) > 0 {
		ask = result.Asks[0].Price
	}
	return bid, ask, nil
}

// ActiveOrders lists the account's resting orders on one market.
func (c *Client) ActiveOrders(ctx context.Context, accountIndex, marketID int64, auth string) ([]rawOrder, error) {
	var result activeOrdersResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("account_index", fmt.Sprintf("%d", accountIndex)).
			SetQueryParam("market_id", fmt.Sprintf("%d", marketID)).
			SetHeader("Authorization", auth).
			SetResult(&result).
			Get("/api/v1/accountActiveOrders")
	})
	if err != nil {
		return nil, fmt.Errorf("active orders: %w", err)
	}
	if err := checkStatus("active orders", resp); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

// Trades pages through the account's fills on one market.
func (c *Client) Trades(ctx context.Context, accountIndex, marketID, startMs, endMs int64, cursor string, auth string) (tradesResponse, error) {
	var result tradesResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("account_index", fmt.Sprintf("%d", accountIndex)).
			SetQueryParam("market_id", fmt.Sprintf("%d", marketID)).
			SetQueryParam("from", fmt.Sprintf("%d", startMs)).
			SetQueryParam("to", fmt.Sprintf("%d", endMs)).
			SetHeader("Authorization", auth).
			SetResult(&result)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		return req.Get("/api/v1/trades")
	})
	if err != nil {
		return tradesResponse{}, fmt.Errorf("trades: %w", err)
	}
	if err := checkStatus("trades", resp); err != nil {
		return tradesResponse{}, err
	}
	return result, nil
}

// Account fetches positions for the account.
func (c *Client) Account(ctx context.Context, accountIndex int64, auth string) (accountResponse, error) {
	var result accountResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("by", "index").
			SetQueryParam("value", fmt.Sprintf("%d", accountIndex)).
			SetHeader("Authorization", auth).
			SetResult(&result).
			Get("/api/v1/account")
	})
	if err != nil {
		return accountResponse{}, fmt.Errorf("account: %w", err)
	}
	if err := checkStatus("account", resp); err != nil {
		return accountResponse{}, err
	}
	return result, nil
}

// NextNonce fetches the next transaction nonce for the API key.
func (c *Client) NextNonce(ctx context.Context, accountIndex, apiKeyIndex int64) (int64, error) {
	var result nextNonceResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("account_index", fmt.Sprintf("%d", accountIndex)).
			SetQueryParam("api_key_index", fmt.Sprintf("%d", apiKeyIndex)).
			SetResult(&result).
			Get("/api/v1/nextNonce")
	})
	if err != nil {
		return 0, fmt.Errorf("next nonce: %w", err)
	}
	if err := checkStatus("next nonce", resp); err != nil {
		return 0, err
	}
	return result.Nonce, nil
}

// SendTx submits a signed transaction. Venue-level rejections surface as
// ErrRejected; throttles as ErrRateLimited.
func (c *Client) SendTx(ctx context.Context, txType int, txInfo json.RawMessage, signature string) error {
	var result sendTxResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"tx_type":   txType,
				"tx_info":   txInfo,
				"signature": signature,
			}).
			SetResult(&result).
			Post("/api/v1/sendTx")
	})
	if err != nil {
		return fmt.Errorf("send tx: %w", err)
	}
	if err := checkStatus("send tx", resp); err != nil {
		return err
	}
	if result.Code != 0 && result.Code != 200 {
		return fmt.Errorf("send tx: code=%d msg=%s: %w", result.Code, result.Message, exchange.ErrRejected)
	}
	return nil
}
