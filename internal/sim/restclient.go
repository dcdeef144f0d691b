// restclient.go implements an HTTP-backed broker.API, adapted from the
// teacher's internal/exchange/client.go resty wrapper (retry policy,
// rate-limited requests) but pointed at a generic order-simulator HTTP
// endpoint instead of the Polymarket CLOB, for deployments that run the
// simulated exchange as a separate process (broker.mode: http).
package sim

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

// HTTPClient talks to an external order simulator over REST: GET /quote,
// GET /position, POST /orders, DELETE /orders/{id}, GET /orders/{id}.
// Subscribe is not meaningful over plain REST, so it falls back to
// polling GetQuote and GetOrder (for every order this client itself has
// placed on the symbol) on a short interval — sufficient for the
// insert/price-monitor polling loops this engine drives, at lower
// fidelity than the in-memory Broker's push feed.
type HTTPClient struct {
	http *resty.Client
	rl   *RateLimiter

	mu      sync.Mutex
	tracked map[string]map[string]bool // symbol -> order id -> still open
}

// NewHTTPClient builds a REST client against baseURL with the given
// request timeout and rate limits.
func NewHTTPClient(baseURL string, timeout time.Duration, rl *RateLimiter) *HTTPClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPClient{http: c, rl: rl, tracked: make(map[string]map[string]bool)}
}

// trackOrder registers orderID as open on symbol so Subscribe's poll loop
// picks it up; untrackOrder removes it once the order reaches a terminal
// state and no longer needs polling.
func (c *HTTPClient) trackOrder(symbol, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracked[symbol] == nil {
		c.tracked[symbol] = make(map[string]bool)
	}
	c.tracked[symbol][orderID] = true
}

func (c *HTTPClient) untrackOrder(symbol, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked[symbol], orderID)
}

func (c *HTTPClient) trackedOrderIDs(symbol string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tracked[symbol]))
	for id, open := range c.tracked[symbol] {
		if open {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *HTTPClient) waitRate(ctx context.Context, bucket func(*RateLimiter) *TokenBucket) error {
	if c.rl == nil {
		return nil
	}
	return bucket(c.rl).Wait(ctx)
}

type quoteDTO struct {
	AskPrice1   string `json:"ask_price1"`
	BidPrice1   string `json:"bid_price1"`
	LastPrice   string `json:"last_price"`
	PreClose    string `json:"pre_close"`
	HasAsk      bool   `json:"has_ask"`
	HasBid      bool   `json:"has_bid"`
	HasLast     bool   `json:"has_last"`
	HasPreClose bool   `json:"has_pre_close"`
}

// GetQuote fetches /quote?symbol=... from the remote simulator.
func (c *HTTPClient) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if err := c.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Query }); err != nil {
		return broker.Quote{}, err
	}

	var dto quoteDTO
	resp, err := c.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&dto).Get("/quote")
	if err != nil {
		return broker.Quote{}, fmt.Errorf("get quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.Quote{}, fmt.Errorf("get quote: status %d: %s", resp.StatusCode(), resp.String())
	}

	q := broker.Quote{Symbol: symbol, HasAsk: dto.HasAsk, HasBid: dto.HasBid, HasLast: dto.HasLast, HasPreClose: dto.HasPreClose}
	if dto.HasAsk {
		q.AskPrice1, _ = decimal.NewFromString(dto.AskPrice1)
	}
	if dto.HasBid {
		q.BidPrice1, _ = decimal.NewFromString(dto.BidPrice1)
	}
	if dto.HasLast {
		q.LastPrice, _ = decimal.NewFromString(dto.LastPrice)
	}
	if dto.HasPreClose {
		q.PreClose, _ = decimal.NewFromString(dto.PreClose)
	}
	return q, nil
}

type insertOrderRequest struct {
	Account    string `json:"account"`
	Symbol     string `json:"symbol"`
	Direction  string `json:"direction"`
	Offset     string `json:"offset"`
	Volume     int64  `json:"volume"`
	LimitPrice string `json:"limit_price"`
	OrderID    string `json:"order_id"`
}

// InsertOrder POSTs /orders to the remote simulator.
func (c *HTTPClient) InsertOrder(ctx context.Context, account, symbol string, dir broker.Direction, offset broker.Offset, volume int64, limitPrice decimal.Decimal, orderID string) (broker.Order, error) {
	if err := c.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Order }); err != nil {
		return broker.Order{}, err
	}

	req := insertOrderRequest{
		Account: account, Symbol: symbol, Direction: string(dir), Offset: string(offset),
		Volume: volume, LimitPrice: limitPrice.String(), OrderID: orderID,
	}
	var result broker.Order
	resp, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&result).Post("/orders")
	if err != nil {
		return broker.Order{}, fmt.Errorf("insert order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.Order{}, fmt.Errorf("insert order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Status != broker.StatusFinished {
		c.trackOrder(symbol, orderID)
	}
	return result, nil
}

// CancelOrder DELETEs /orders/{id} on the remote simulator.
func (c *HTTPClient) CancelOrder(ctx context.Context, account, orderID string) error {
	if err := c.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Cancel }); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).SetQueryParam("account", account).Delete("/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetOrder GETs /orders/{id} from the remote simulator.
func (c *HTTPClient) GetOrder(ctx context.Context, account, orderID string) (broker.Order, error) {
	if err := c.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Query }); err != nil {
		return broker.Order{}, err
	}
	var result broker.Order
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/orders/" + orderID)
	if err != nil {
		return broker.Order{}, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.Order{}, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetPosition GETs /position?symbol=... from the remote simulator.
func (c *HTTPClient) GetPosition(ctx context.Context, symbol string) (broker.Position, error) {
	if err := c.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Query }); err != nil {
		return broker.Position{}, err
	}
	var result broker.Position
	resp, err := c.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result).Get("/position")
	if err != nil {
		return broker.Position{}, fmt.Errorf("get position: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.Position{}, fmt.Errorf("get position: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Subscribe polls GetQuote and, for every order this client has placed on
// symbol, GetOrder every pollInterval, and publishes a diff whenever either
// observed view changes — the degraded-fidelity fallback the type doc
// above notes: plain REST has no push feed, but insertOrderTask and
// priceMonitorTask both need Order updates delivered on this same channel
// to ever see their order reach a terminal state.
func (c *HTTPClient) Subscribe(ctx context.Context, symbol string) (<-chan broker.Update, func(), error) {
	ch := make(chan broker.Update, 32)
	pollCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		var lastQuote broker.Quote
		lastOrders := make(map[string]broker.Order)
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				q, err := c.GetQuote(pollCtx, symbol)
				// Compare decimals by value: == on decimal.Decimal compares
				// internal pointers, which differ after every fresh parse.
				quoteChanged := q.HasAsk != lastQuote.HasAsk || q.HasBid != lastQuote.HasBid ||
					q.HasLast != lastQuote.HasLast || q.HasPreClose != lastQuote.HasPreClose ||
					!q.AskPrice1.Equal(lastQuote.AskPrice1) || !q.BidPrice1.Equal(lastQuote.BidPrice1) ||
					!q.LastPrice.Equal(lastQuote.LastPrice) || !q.PreClose.Equal(lastQuote.PreClose)
				if err == nil && quoteChanged {
					lastQuote = q
					select {
					case ch <- broker.Update{Quote: &q}:
					default:
					}
				}

				for _, orderID := range c.trackedOrderIDs(symbol) {
					o, err := c.GetOrder(pollCtx, "", orderID)
					if err != nil {
						continue
					}
					if prev, seen := lastOrders[orderID]; seen && !httpOrderChanged(prev, o) {
						continue
					}
					lastOrders[orderID] = o
					select {
					case ch <- broker.Update{Order: &o}:
					default:
					}
					if o.Status == broker.StatusFinished {
						c.untrackOrder(symbol, orderID)
						delete(lastOrders, orderID)
					}
				}
			}
		}
	}()

	return ch, cancel, nil
}

// httpOrderChanged reports whether any observable field of the order
// record changed between two polled snapshots, the sim-package mirror of
// insertOrderTask's own shallow comparison.
func httpOrderChanged(a, b broker.Order) bool {
	return a.Status != b.Status || a.VolumeLeft != b.VolumeLeft || a.VolumeOrign != b.VolumeOrign ||
		a.LastMsg != b.LastMsg || len(a.TradeRecords) != len(b.TradeRecords) || !a.LimitPrice.Equal(b.LimitPrice)
}
