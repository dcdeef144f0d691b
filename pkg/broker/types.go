// Package broker defines the shared vocabulary for everything the core
// reconciliation engine consumes from an account/quote runtime: quotes,
// positions, orders, and the diff-feed update they arrive on. It has no
// dependency on internal/targetpos, so it can be imported by any layer —
// the same role pkg/types plays for the exchange/strategy/engine layers
// this module was ported from.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an order: BUY or SELL.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Offset classifies an order's effect on inventory.
type Offset string

const (
	OffsetOpen        Offset = "OPEN"
	OffsetClose       Offset = "CLOSE"
	OffsetCloseToday  Offset = "CLOSETODAY"
)

// OrderStatus is the broker-observed lifecycle state of a resting order.
type OrderStatus string

const (
	StatusAlive    OrderStatus = "ALIVE"
	StatusFinished OrderStatus = "FINISHED"
)

// Quote is a point-in-time view of a contract's touch prices. Fields are
// optionals (Decimal + ok), never IEEE-754 NaN — see pricepolicy.go for
// the fallback chain that consumes them.
type Quote struct {
	Symbol    string
	AskPrice1 decimal.Decimal
	BidPrice1 decimal.Decimal
	LastPrice decimal.Decimal
	PreClose  decimal.Decimal
	// HasAsk/HasBid/HasLast/HasPreClose report whether the corresponding
	// touch price above is present; a missing touch is modeled as an
	// explicit false rather than a sentinel NaN value.
	HasAsk      bool
	HasBid      bool
	HasLast     bool
	HasPreClose bool
	DateTime    time.Time
}

// Position is a contract's current inventory, split by exchange-tracked
// slice (today vs. history) where the exchange distinguishes them.
type Position struct {
	Symbol        string
	Pos           int64 // net position: PosLong - PosShort
	PosLong       int64
	PosShort      int64
	PosLongToday  int64
	PosShortToday int64
	PosLongHis    int64
	PosShortHis   int64
	Orders        map[string]Order
}

// Order is the broker's view of a single resting or finished order.
type Order struct {
	OrderID       string
	Symbol        string
	Direction     Direction
	Offset        Offset
	LimitPrice    decimal.Decimal
	VolumeOrign   int64
	VolumeLeft    int64
	Status        OrderStatus
	LastMsg       string
	TradeRecords  map[string]Trade
}

// Traded returns how much of the order has filled so far.
func (o Order) Traded() int64 {
	return o.VolumeOrign - o.VolumeLeft
}

// Trade is a single fill against one of our orders.
type Trade struct {
	TradeID string
	OrderID string
	Volume  int64
	Price   decimal.Decimal
}

// Update is a single diff-feed notification delivered by Subscribe. Exactly
// one of the embedded views is populated, mirroring the diff feed's
// "partial state update affecting the subscribed slice" semantics.
type Update struct {
	Quote    *Quote
	Position *Position
	Order    *Order
}

// API is the account/quote runtime this engine consumes. A concrete
// implementation (internal/sim, or a real broker adapter) must be safe for
// concurrent use by multiple TargetPosTask instances.
type API interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetPosition(ctx context.Context, symbol string) (Position, error)
	InsertOrder(ctx context.Context, account, symbol string, dir Direction, offset Offset, volume int64, limitPrice decimal.Decimal, orderID string) (Order, error)
	CancelOrder(ctx context.Context, account, orderID string) error
	GetOrder(ctx context.Context, account, orderID string) (Order, error)

	// Subscribe yields one Update per diff-feed event touching symbol.
	// The returned cancel func releases the subscription; the channel is
	// closed by the implementation once cancel is called or ctx is done.
	Subscribe(ctx context.Context, symbol string) (<-chan Update, func(), error)
}

// Exchange returns the exchange prefix of a symbol formatted EXCHANGE.instrument,
// e.g. "SHFE.rb2410" -> "SHFE". Symbols with no "." return the whole string.
func Exchange(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '.' {
			return symbol[:i]
		}
	}
	return symbol
}
