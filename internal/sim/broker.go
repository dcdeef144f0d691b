// Package sim provides a concrete, in-memory implementation of
// pkg/broker.API — the account/quote runtime spec §6 treats as an
// external collaborator. It plays the role the teacher's tests play by
// constructing market.Book/strategy.Inventory fixtures directly rather
// than hitting the real exchange: internal/targetpos's own tests and
// cmd/targetposd's demo harness both drive a TargetPosTask against this
// fake instead of a live broker connection.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

// symbolState is the mutable, per-symbol book this fake broker maintains:
// the latest quote, the aggregate position, and every order (live or
// finished) placed against it.
type symbolState struct {
	quote  broker.Quote
	pos    broker.Position
	orders map[string]*broker.Order
	subs   []chan broker.Update
}

// Broker is an in-memory, single-process implementation of broker.API. A
// simplistic matching engine fills a resting order the instant the quote
// crosses its limit price — enough fidelity to exercise the
// repricing/price-monitor/insert-order lifecycle without a real exchange.
type Broker struct {
	mu      sync.Mutex
	symbols map[string]*symbolState
	rl      *RateLimiter
	logger  *slog.Logger
}

// New constructs an empty simulated broker. rl may be nil to disable rate
// limiting (the common case in unit tests).
func New(logger *slog.Logger, rl *RateLimiter) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		symbols: make(map[string]*symbolState),
		rl:      rl,
		logger:  logger.With("component", "sim_broker"),
	}
}

func (b *Broker) state(symbol string) *symbolState {
	st, ok := b.symbols[symbol]
	if !ok {
		st = &symbolState{orders: make(map[string]*broker.Order)}
		st.pos.Symbol = symbol
		st.pos.Orders = make(map[string]broker.Order)
		st.quote.Symbol = symbol
		b.symbols[symbol] = st
	}
	return st
}

// SetQuote pushes a new touch-price snapshot for symbol, matching any
// resting order the new quote makes marketable and notifying all
// subscribers of both the quote change and any resulting order/position
// changes. This is the sim's stand-in for a live market-data feed tick.
func (b *Broker) SetQuote(symbol string, q broker.Quote) {
	q.Symbol = symbol
	b.mu.Lock()
	st := b.state(symbol)
	st.quote = q
	b.broadcastLocked(st, broker.Update{Quote: &q})
	b.matchLocked(symbol, st)
	b.mu.Unlock()
}

// SeedPosition sets the starting inventory for symbol, used by demo/test
// setup to establish a non-flat book before a TargetPosTask starts.
func (b *Broker) SeedPosition(symbol string, pos broker.Position) {
	pos.Symbol = symbol
	if pos.Orders == nil {
		pos.Orders = make(map[string]broker.Order)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(symbol)
	st.pos = pos
}

// currentQuoteOrEmpty returns the latest known quote for symbol without
// rate-limiting or context plumbing, for internal callers (QuoteFeed)
// that need to read-modify-write a quote incrementally.
func (b *Broker) currentQuoteOrEmpty(symbol string) broker.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(symbol).quote
}

func (b *Broker) waitRate(ctx context.Context, bucket func(*RateLimiter) *TokenBucket) error {
	if b.rl == nil {
		return nil
	}
	return bucket(b.rl).Wait(ctx)
}

// GetQuote returns the latest known quote for symbol.
func (b *Broker) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if err := b.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Query }); err != nil {
		return broker.Quote{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(symbol).quote, nil
}

// GetPosition returns a snapshot of symbol's current inventory, including
// a copy of every order placed against it (live and finished).
func (b *Broker) GetPosition(ctx context.Context, symbol string) (broker.Position, error) {
	if err := b.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Query }); err != nil {
		return broker.Position{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(symbol)
	pos := st.pos
	pos.Orders = make(map[string]broker.Order, len(st.orders))
	for id, o := range st.orders {
		pos.Orders[id] = *o
	}
	return pos, nil
}

// InsertOrder submits a limit order. If the current quote already makes it
// marketable it fills immediately (FINISHED); otherwise it rests ALIVE
// until a later SetQuote crosses it or CancelOrder removes it.
func (b *Broker) InsertOrder(ctx context.Context, account, symbol string, dir broker.Direction, offset broker.Offset, volume int64, limitPrice decimal.Decimal, orderID string) (broker.Order, error) {
	if err := b.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Order }); err != nil {
		return broker.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(symbol)
	order := &broker.Order{
		OrderID:      orderID,
		Symbol:       symbol,
		Direction:    dir,
		Offset:       offset,
		LimitPrice:   limitPrice,
		VolumeOrign:  volume,
		VolumeLeft:   volume,
		Status:       broker.StatusAlive,
		TradeRecords: make(map[string]broker.Trade),
	}
	st.orders[orderID] = order
	st.pos.Orders[orderID] = *order

	b.broadcastLocked(st, broker.Update{Order: copyOrder(order)})
	b.matchLocked(symbol, st)

	return *st.orders[orderID], nil
}

// CancelOrder marks a live order FINISHED with whatever volume remains
// unfilled, as a real cancel-ack would.
func (b *Broker) CancelOrder(ctx context.Context, account, orderID string) error {
	if err := b.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Cancel }); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for symbol, st := range b.symbols {
		order, ok := st.orders[orderID]
		if !ok {
			continue
		}
		if order.Status == broker.StatusAlive {
			order.Status = broker.StatusFinished
			order.LastMsg = "cancelled"
			st.pos.Orders[orderID] = *order
			b.broadcastLocked(st, broker.Update{Order: copyOrder(order)})
		}
		_ = symbol
		return nil
	}
	return fmt.Errorf("sim: unknown order %q", orderID)
}

// GetOrder returns the current view of a previously-inserted order.
func (b *Broker) GetOrder(ctx context.Context, account, orderID string) (broker.Order, error) {
	if err := b.waitRate(ctx, func(r *RateLimiter) *TokenBucket { return r.Query }); err != nil {
		return broker.Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.symbols {
		if o, ok := st.orders[orderID]; ok {
			return *o, nil
		}
	}
	return broker.Order{}, fmt.Errorf("sim: unknown order %q", orderID)
}

// Subscribe registers a diff-feed subscription for symbol: every
// subsequent SetQuote, InsertOrder, CancelOrder, or fill produces one
// Update on the returned channel until the returned cancel func is
// called or ctx is done.
func (b *Broker) Subscribe(ctx context.Context, symbol string) (<-chan broker.Update, func(), error) {
	ch := make(chan broker.Update, 128)

	b.mu.Lock()
	st := b.state(symbol)
	st.subs = append(st.subs, ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			st := b.state(symbol)
			for i, c := range st.subs {
				if c == ch {
					st.subs = append(st.subs[:i], st.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

func (b *Broker) broadcastLocked(st *symbolState, u broker.Update) {
	for _, ch := range st.subs {
		select {
		case ch <- u:
		default:
			b.logger.Warn("dropping update: subscriber channel full")
		}
	}
}

// matchLocked fills every ALIVE order on st whose limit price the current
// quote has crossed. Called with b.mu held.
func (b *Broker) matchLocked(symbol string, st *symbolState) {
	for id, order := range st.orders {
		if order.Status != broker.StatusAlive {
			continue
		}
		if !b.marketable(st.quote, order) {
			continue
		}
		b.fillLocked(symbol, st, order)
		st.pos.Orders[id] = *order
		b.broadcastLocked(st, broker.Update{Order: copyOrder(order)})
	}
}

func (b *Broker) marketable(q broker.Quote, order *broker.Order) bool {
	switch order.Direction {
	case broker.Buy:
		return q.HasAsk && order.LimitPrice.GreaterThanOrEqual(q.AskPrice1)
	case broker.Sell:
		return q.HasBid && order.LimitPrice.LessThanOrEqual(q.BidPrice1)
	default:
		return false
	}
}

// fillLocked fully fills order (a simplification: the sim does not model
// partial fills against book depth) and updates the aggregate position's
// today/history slices per its offset.
func (b *Broker) fillLocked(symbol string, st *symbolState, order *broker.Order) {
	volume := order.VolumeLeft
	tradeID := uuid.New().String()
	order.TradeRecords[tradeID] = broker.Trade{
		TradeID: tradeID,
		OrderID: order.OrderID,
		Volume:  volume,
		Price:   order.LimitPrice,
	}
	order.VolumeLeft = 0
	order.Status = broker.StatusFinished

	pos := &st.pos
	switch {
	case order.Direction == broker.Buy && order.Offset == broker.OffsetOpen:
		pos.PosLong += volume
		pos.PosLongToday += volume
	case order.Direction == broker.Buy && order.Offset == broker.OffsetCloseToday:
		pos.PosShort -= volume
		pos.PosShortToday -= volume
	case order.Direction == broker.Buy && order.Offset == broker.OffsetClose:
		pos.PosShort -= volume
		if pos.PosShortHis >= volume {
			pos.PosShortHis -= volume
		} else {
			pos.PosShortToday -= volume - pos.PosShortHis
			pos.PosShortHis = 0
		}
	case order.Direction == broker.Sell && order.Offset == broker.OffsetOpen:
		pos.PosShort += volume
		pos.PosShortToday += volume
	case order.Direction == broker.Sell && order.Offset == broker.OffsetCloseToday:
		pos.PosLong -= volume
		pos.PosLongToday -= volume
	case order.Direction == broker.Sell && order.Offset == broker.OffsetClose:
		pos.PosLong -= volume
		if pos.PosLongHis >= volume {
			pos.PosLongHis -= volume
		} else {
			pos.PosLongToday -= volume - pos.PosLongHis
			pos.PosLongHis = 0
		}
	}
	pos.Pos = pos.PosLong - pos.PosShort

	b.logger.Debug("order filled", "symbol", symbol, "order_id", order.OrderID, "volume", volume)
}

func copyOrder(o *broker.Order) *broker.Order {
	cp := *o
	cp.TradeRecords = make(map[string]broker.Trade, len(o.TradeRecords))
	for k, v := range o.TradeRecords {
		cp.TradeRecords[k] = v
	}
	return &cp
}
