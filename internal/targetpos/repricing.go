package targetpos

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/internal/trace"
	"github.com/comicfans/targetpos-go/pkg/broker"
)

// hangingOrderTimeout bounds how long the final cleanup drain of an
// insertOrderTask may take once its broker order is no longer ALIVE (or
// has been actively cancelled) — see §4.4 step 8 and §5's cancellation
// semantics. A var, not a const, so tests can shorten it instead of
// waiting out a real 30 seconds to exercise the drain-timeout path.
var hangingOrderTimeout = 30 * time.Second

// repricingOrderTask keeps a limit order at the market's current active or
// passive price, cancelling and re-submitting on adverse drift, until the
// full requested volume has traded.
type repricingOrderTask struct {
	logger *slog.Logger
	api    broker.API

	account string
	symbol  string
	dir     broker.Direction
	offset  broker.Offset
	policy  PricePolicy

	minVolume int64
	maxVolume int64
	hasSplit  bool

	tradeCh     chan<- int64
	tradeObjsCh chan<- broker.Trade

	tracer *trace.Emitter
	taskID int64
}

func (t *repricingOrderTask) emit(funcName, event string, my trace.MyEvent) {
	if t.tracer == nil {
		return
	}
	t.tracer.Emit(trace.Event{
		Timestamp:   time.Now(),
		FuncName:    funcName,
		Event:       event,
		MyEvent:     my,
		CurrentTask: t.taskID,
		Clazz:       "RepricingOrderTask",
		Symbol:      t.symbol,
	})
}

func (t *repricingOrderTask) thisVolume(remaining int64) int64 {
	if t.hasSplit && remaining >= t.maxVolume {
		span := t.maxVolume - t.minVolume + 1
		return t.minVolume + rand.Int64N(span)
	}
	return remaining
}

// run repeats the insert/monitor/shield cycle until remaining reaches
// zero, the parent is cancelled, or a fatal error occurs. Cancellation is
// not itself an error: the loop simply stops after its current attempt
// has fully drained, per §5's cancellation semantics.
func (t *repricingOrderTask) run(ctx context.Context, remaining int64) error {
	for remaining != 0 {
		if ctx.Err() != nil {
			return nil
		}

		quote, err := t.api.GetQuote(ctx, t.symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		limitPrice, err := t.policy.price(t.dir, quote)
		if err != nil {
			return err
		}

		thisVol := t.thisVolume(remaining)

		traded, cancelled, err := t.attempt(ctx, thisVol, limitPrice)
		remaining -= traded
		if err != nil {
			return err
		}
		if cancelled {
			return nil
		}
	}
	return nil
}

// attempt runs exactly one insert-order/price-monitor cycle for volume at
// limitPrice, returning the actually-traded volume and whether the cycle
// ended because ctx was cancelled (as opposed to the order draining to
// completion on its own). It implements §4.4 steps 3-8 in full: the
// insert task runs detached from ctx (the cancel-latch shield — parent
// cancellation alone never aborts it mid-flight), the shield-await at
// step 6 can itself be interrupted by ctx, and the cleanup path in step 8
// always runs and bounds its final drain to 30 seconds.
func (t *repricingOrderTask) attempt(ctx context.Context, volume int64, limitPrice decimal.Decimal) (traded int64, cancelled bool, err error) {
	insert := newInsertOrderTask(t.logger, t.api, t.account, t.symbol, t.dir, t.offset, volume, limitPrice, t.tradeCh, t.tradeObjsCh)
	insert.tracer = t.tracer
	if t.tracer != nil {
		insert.taskID = t.tracer.NextTaskID()
	}
	go insert.run(detachedBackground())

	// Step 4: await the first published order record to learn the
	// broker-confirmed order id and price.
	t.emit("attempt", "wait_order_ack", trace.Await)
	var first broker.Order
	select {
	case o, ok := <-insert.orderCh:
		if ok {
			first = o
		}
	case <-ctx.Done():
	}
	t.emit("attempt", "wait_order_ack", trace.Resume)

	var monitor *priceMonitorTask
	var monitorDone chan struct{}
	var unsubscribeMonitor func()
	if first.OrderID != "" {
		updates, unsubscribe, subErr := t.api.Subscribe(context.Background(), t.symbol)
		if subErr == nil {
			unsubscribeMonitor = unsubscribe
			monitor = newPriceMonitorTask(t.logger, t.api, t.policy, t.account, t.symbol, first.OrderID, t.dir, limitPrice)
			monitorDone = make(chan struct{})
			go func() {
				defer close(monitorDone)
				monitor.run(context.Background(), updates)
			}()
		}
	}

	// Step 6: shield-await the insert task's completion, but the await
	// itself yields to parent cancellation — the insert task keeps
	// running regardless.
	t.emit("attempt", "shield_await_insert", trace.Await)
	select {
	case <-insert.done:
	case <-ctx.Done():
		cancelled = true
	}
	t.emit("attempt", "shield_await_insert", trace.Resume)

	// Step 8 cleanup: always runs.
	if insert.last.Status == broker.StatusAlive && first.OrderID != "" {
		_ = t.api.CancelOrder(context.Background(), t.account, first.OrderID)
	}
	if monitor != nil {
		if unsubscribeMonitor != nil {
			unsubscribeMonitor()
		}
		<-monitorDone
	}
	if !cancelled {
		// Already observed insert.done above.
	} else {
		timer := time.NewTimer(hangingOrderTimeout)
		defer timer.Stop()
		select {
		case <-insert.done:
		case <-timer.C:
			return 0, true, newError(ErrHangingOrder, "order %s did not drain within %s", first.OrderID, hangingOrderTimeout)
		}
	}

	if insert.err != nil {
		return 0, cancelled, insert.err
	}

	traded = volume - insert.last.VolumeLeft

	if insert.last.VolumeLeft > 0 && !cancelled && (monitor == nil || !monitor.fired) {
		return traded, cancelled, newError(ErrBrokerRejected, "order %s finished with %d left, no price-drift cancellation: %s", first.OrderID, insert.last.VolumeLeft, insert.last.LastMsg)
	}

	return traded, cancelled, nil
}

// detachedBackground returns a context tied to the process lifetime, not
// to any caller's cancellation — the cancel-latch primitive that keeps an
// insertOrderTask alive across its parent's cancellation, per §5.
func detachedBackground() context.Context {
	return context.Background()
}
