package targetpos

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

// priceMonitorTask watches quote updates while a limit order rests on the
// book, and cancels it the moment the market moves against it — i.e. the
// order would no longer be at a competitive price under its own policy.
// It never cancels for any other reason and exits cleanly when its updates
// channel is closed by the parent RepricingOrderTask.
type priceMonitorTask struct {
	logger  *slog.Logger
	policy  PricePolicy
	api     broker.API
	account string
	symbol  string
	orderID string
	dir     broker.Direction

	orderPrice decimal.Decimal

	// fired reports, after run returns, whether this monitor actually
	// cancelled the order (as opposed to exiting because its channel was
	// closed by the parent during normal cleanup).
	fired bool
}

func newPriceMonitorTask(logger *slog.Logger, api broker.API, policy PricePolicy, account, symbol, orderID string, dir broker.Direction, orderPrice decimal.Decimal) *priceMonitorTask {
	return &priceMonitorTask{
		logger:     logger.With("component", "price_monitor", "order_id", orderID),
		policy:     policy,
		api:        api,
		account:    account,
		symbol:     symbol,
		orderID:    orderID,
		dir:        dir,
		orderPrice: orderPrice,
	}
}

// run blocks until updates closes or a price-drift cancellation fires.
func (m *priceMonitorTask) run(ctx context.Context, updates <-chan broker.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Quote == nil {
				continue
			}
			newPrice, err := m.policy.price(m.dir, *u.Quote)
			if err != nil {
				// No price available this tick; wait for the next update
				// rather than treating it as drift.
				continue
			}
			adverse := (m.dir == broker.Buy && newPrice.GreaterThan(m.orderPrice)) ||
				(m.dir == broker.Sell && newPrice.LessThan(m.orderPrice))
			if !adverse {
				continue
			}
			if err := m.api.CancelOrder(ctx, m.account, m.orderID); err != nil {
				m.logger.Warn("price-drift cancel failed", "error", err)
			}
			m.fired = true
			return
		}
	}
}
