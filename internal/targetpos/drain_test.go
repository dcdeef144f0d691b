package targetpos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

// hangingBrokerAPI simulates a broker whose order, once submitted, never
// resolves and whose cancel acknowledgement never actually arrives over
// the diff feed -- the worst case the shield-await drain timeout in
// repricing.go's attempt() exists to bound.
type hangingBrokerAPI struct {
	quote broker.Quote
}

func (h *hangingBrokerAPI) GetQuote(context.Context, string) (broker.Quote, error) {
	return h.quote, nil
}
func (h *hangingBrokerAPI) GetPosition(context.Context, string) (broker.Position, error) {
	return broker.Position{}, nil
}
func (h *hangingBrokerAPI) InsertOrder(_ context.Context, _, symbol string, dir broker.Direction, offset broker.Offset, volume int64, limitPrice decimal.Decimal, orderID string) (broker.Order, error) {
	return broker.Order{
		OrderID: orderID, Symbol: symbol, Direction: dir, Offset: offset,
		LimitPrice: limitPrice, VolumeOrign: volume, VolumeLeft: volume,
		Status: broker.StatusAlive, TradeRecords: map[string]broker.Trade{},
	}, nil
}
func (h *hangingBrokerAPI) CancelOrder(context.Context, string, string) error {
	// A broker that acknowledges the cancel request but never actually
	// reports the order as finished over the diff feed -- the order hangs.
	return nil
}
func (h *hangingBrokerAPI) GetOrder(context.Context, string, string) (broker.Order, error) {
	return broker.Order{}, nil
}
// Subscribe returns a channel that never delivers anything until cancelled,
// mirroring sim.Broker's contract that the channel closes once the
// returned cancel func is called.
func (h *hangingBrokerAPI) Subscribe(context.Context, string) (<-chan broker.Update, func(), error) {
	ch := make(chan broker.Update)
	var once sync.Once
	cancel := func() { once.Do(func() { close(ch) }) }
	return ch, cancel, nil
}

// TestRepricingOrderTaskHangingOrderTimesOutDuringCancellation verifies
// that when a parent cancellation races a broker order that never
// actually drains, attempt() gives up after hangingOrderTimeout instead of
// blocking forever.
func TestRepricingOrderTaskHangingOrderTimesOutDuringCancellation(t *testing.T) {
	original := hangingOrderTimeout
	hangingOrderTimeout = 40 * time.Millisecond
	defer func() { hangingOrderTimeout = original }()

	api := &hangingBrokerAPI{quote: broker.Quote{
		AskPrice1: dec("110"), HasAsk: true,
		BidPrice1: dec("100"), HasBid: true,
	}}

	rt := &repricingOrderTask{
		logger:  testLogger(),
		api:     api,
		account: "acct-hang",
		symbol:  "DCE.c2409",
		dir:     broker.Buy,
		offset:  broker.OffsetOpen,
		policy:  PricePolicy{Mode: PricePassive},
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, _, err := rt.attempt(ctx, 3, dec("100"))
		errCh <- err
	}()

	// Give the insert task time to submit the order and rest, then cancel
	// the parent -- the broker's CancelOrder never actually resolves it.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assertErrorKind(t, err, ErrHangingOrder)
	case <-time.After(2 * time.Second):
		t.Fatal("attempt() did not return within the test deadline; hangingOrderTimeout override did not take effect")
	}
}
