// wsfeed.go implements an auto-reconnecting WebSocket quote feed, adapted
// from the teacher's internal/exchange/ws.go market-data feed: same
// exponential-backoff reconnect loop and read-deadline liveness check,
// narrowed to this domain's single concern — driving a simulated
// Broker's SetQuote from an external tick source, standing in for the
// out-of-scope "wire transport to the broker" (spec §1).
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// quoteTick is the wire shape a quote feed server sends: one JSON object
// per line/message, touch prices as decimal strings (never floats, so a
// missing touch can be distinguished from 0).
type quoteTick struct {
	Symbol    string `json:"symbol"`
	AskPrice1 string `json:"ask_price1,omitempty"`
	BidPrice1 string `json:"bid_price1,omitempty"`
	LastPrice string `json:"last_price,omitempty"`
	PreClose  string `json:"pre_close,omitempty"`
}

// QuoteFeed connects to a WebSocket endpoint publishing quoteTick messages
// and applies each one to the Broker it is bound to, reconnecting with
// exponential backoff on any read or dial failure.
type QuoteFeed struct {
	url    string
	broker *Broker
	logger *slog.Logger
}

// NewQuoteFeed builds a feed that will call broker.SetQuote for every tick
// received from url once Run is started.
func NewQuoteFeed(url string, broker *Broker, logger *slog.Logger) *QuoteFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteFeed{url: url, broker: broker, logger: logger.With("component", "quote_feed")}
}

// Run blocks until ctx is cancelled, maintaining the WebSocket connection
// and reconnecting with exponential backoff (1s -> 30s max) on failure.
func (f *QuoteFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("quote feed disconnected, reconnecting", "error", err, "backoff", backoff)

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

func (f *QuoteFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.logger.Info("quote feed connected", "url", f.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *QuoteFeed) dispatch(msg []byte) {
	var tick quoteTick
	if err := json.Unmarshal(msg, &tick); err != nil {
		f.logger.Warn("dropping malformed quote tick", "error", err)
		return
	}
	if tick.Symbol == "" {
		return
	}

	q := f.broker.currentQuoteOrEmpty(tick.Symbol)
	if v, ok := parseDecimal(tick.AskPrice1); ok {
		q.AskPrice1, q.HasAsk = v, true
	}
	if v, ok := parseDecimal(tick.BidPrice1); ok {
		q.BidPrice1, q.HasBid = v, true
	}
	if v, ok := parseDecimal(tick.LastPrice); ok {
		q.LastPrice, q.HasLast = v, true
	}
	if v, ok := parseDecimal(tick.PreClose); ok {
		q.PreClose, q.HasPreClose = v, true
	}
	q.DateTime = time.Now()

	f.broker.SetQuote(tick.Symbol, q)
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Decimal{}, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return v, true
}
