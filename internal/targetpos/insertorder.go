package targetpos

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/internal/trace"
	"github.com/comicfans/targetpos-go/pkg/broker"
)

// orderIDPrefix matches the source's utils._generate_uuid("PYSDK_target")
// convention: every order this engine places is tagged so it can be
// recognized among a broker's other order flow.
const orderIDPrefix = "PYSDK_target"

func generateOrderID() string {
	return orderIDPrefix + "_" + uuid.New().String()
}

// insertOrderTask materializes a single limit order and tracks its
// lifecycle through the diff feed, publishing incremental trade
// notifications and order-record snapshots as they arrive. One
// insertOrderTask corresponds to exactly one live broker order.
type insertOrderTask struct {
	logger *slog.Logger
	api    broker.API

	account string
	symbol  string
	dir     broker.Direction
	offset  broker.Offset
	volume  int64
	price   decimal.Decimal

	// tradeCh and tradeObjsCh are borrowed from the caller: this task
	// sends on them but never closes them, per §3's ownership rule.
	tradeCh     chan<- int64
	tradeObjsCh chan<- broker.Trade

	// orderCh is owned by this task: an unbounded-ish FIFO of order-record
	// snapshots, closed when run returns.
	orderCh chan broker.Order

	done chan struct{}
	last broker.Order
	err  error

	tracer *trace.Emitter
	taskID int64
}

func (t *insertOrderTask) emit(funcName, event string, my trace.MyEvent) {
	if t.tracer == nil {
		return
	}
	t.tracer.Emit(trace.Event{
		Timestamp:   time.Now(),
		FuncName:    funcName,
		Event:       event,
		MyEvent:     my,
		CurrentTask: t.taskID,
		Clazz:       "InsertOrderTask",
		Symbol:      t.symbol,
	})
}

func newInsertOrderTask(logger *slog.Logger, api broker.API, account, symbol string, dir broker.Direction, offset broker.Offset, volume int64, price decimal.Decimal, tradeCh chan<- int64, tradeObjsCh chan<- broker.Trade) *insertOrderTask {
	return &insertOrderTask{
		logger:      logger.With("component", "insert_order"),
		api:         api,
		account:     account,
		symbol:      symbol,
		dir:         dir,
		offset:      offset,
		volume:      volume,
		price:       price,
		tradeCh:     tradeCh,
		tradeObjsCh: tradeObjsCh,
		orderCh:     make(chan broker.Order, 64),
		done:        make(chan struct{}),
	}
}

// run submits the order and drains the diff feed until the order reaches
// FINISHED with its trade accounting caught up, per §4.7. Callers that
// cancel ctx mid-flight still see run return (the broker order itself is
// not auto-cancelled — cancellation is the caller's job, per §4.4 step 8).
func (t *insertOrderTask) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.orderCh)

	orderID := generateOrderID()
	t.emit("run", "insert_order", trace.Await)
	order, err := t.api.InsertOrder(ctx, t.account, t.symbol, t.dir, t.offset, t.volume, t.price, orderID)
	t.emit("run", "insert_order", trace.Resume)
	if err != nil {
		t.err = err
		return
	}
	t.last = order
	t.publishOrder(order)

	// Fills already present in the insert response (a broker that matches
	// synchronously) are reported the same way later fills are.
	if filled := order.Traded(); filled > 0 && t.tradeCh != nil {
		if t.dir == broker.Sell {
			filled = -filled
		}
		t.tradeCh <- filled
	}
	if t.tradeObjsCh != nil {
		for _, trade := range order.TradeRecords {
			t.tradeObjsCh <- trade
		}
	}

	if t.finished(order) {
		return
	}

	updates, unsubscribe, err := t.api.Subscribe(ctx, t.symbol)
	if err != nil {
		t.err = err
		return
	}
	defer unsubscribe()

	seenTrades := make(map[string]bool, len(order.TradeRecords))
	for id := range order.TradeRecords {
		seenTrades[id] = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Order == nil || u.Order.OrderID != order.OrderID {
				continue
			}
			o := *u.Order

			if o.VolumeLeft < t.last.VolumeLeft {
				delta := t.last.VolumeLeft - o.VolumeLeft
				signed := delta
				if t.dir == broker.Sell {
					signed = -delta
				}
				if t.tradeCh != nil {
					select {
					case t.tradeCh <- signed:
					case <-ctx.Done():
						return
					}
				}
			}

			for id, trade := range o.TradeRecords {
				if seenTrades[id] {
					continue
				}
				seenTrades[id] = true
				if t.tradeObjsCh != nil {
					select {
					case t.tradeObjsCh <- trade:
					case <-ctx.Done():
						return
					}
				}
			}

			if orderChanged(t.last, o) {
				t.publishOrder(o)
			}
			t.last = o

			if t.finished(o) {
				return
			}
		}
	}
}

func (t *insertOrderTask) finished(o broker.Order) bool {
	if o.Status != broker.StatusFinished {
		return false
	}
	var traded int64
	for _, tr := range o.TradeRecords {
		traded += tr.Volume
	}
	return o.Traded() == traded
}

func (t *insertOrderTask) publishOrder(o broker.Order) {
	select {
	case t.orderCh <- o:
	default:
		// orderCh is generously buffered; a full buffer means the
		// reader has stopped listening (repricing task moved on after
		// learning the order id), which is fine to drop.
	}
}

// orderChanged reports whether any observable field of the order record
// changed between two snapshots — the Go analogue of the source's shallow
// dict comparison that skips "_"-prefixed internal keys (this struct has
// no such internal fields to begin with).
func orderChanged(a, b broker.Order) bool {
	return a.Status != b.Status || a.VolumeLeft != b.VolumeLeft || a.VolumeOrign != b.VolumeOrign ||
		a.LastMsg != b.LastMsg || len(a.TradeRecords) != len(b.TradeRecords) || !a.LimitPrice.Equal(b.LimitPrice)
}
