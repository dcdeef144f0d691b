package targetpos

import (
	"context"
	"testing"
	"time"

	"github.com/comicfans/targetpos-go/internal/sim"
	"github.com/comicfans/targetpos-go/pkg/broker"
)

// TestRepricingOrderTaskPriceMonitorCancelsOnAdverseMove drives a resting
// passive order through a market move that drifts away from it: the
// PriceMonitorTask must cancel the stale order, and the repricing loop must
// requote and keep going until the full volume eventually fills once the
// market crosses the new price.
func TestRepricingOrderTaskPriceMonitorCancelsOnAdverseMove(t *testing.T) {
	symbol := "DCE.a2409"
	b := sim.New(testLogger(), nil)
	b.SetQuote(symbol, broker.Quote{
		AskPrice1: dec("110"), HasAsk: true,
		BidPrice1: dec("100"), HasBid: true,
	})

	rt := &repricingOrderTask{
		logger:  testLogger(),
		api:     b,
		account: "acct-reprice",
		symbol:  symbol,
		dir:     broker.Buy,
		offset:  broker.OffsetOpen,
		policy:  PricePolicy{Mode: PricePassive},
	}

	done := make(chan error, 1)
	go func() { done <- rt.run(context.Background(), 2) }()

	// Let the first passive order rest, then drift the bid up without
	// making it marketable yet -- the price monitor must cancel it.
	time.Sleep(30 * time.Millisecond)
	b.SetQuote(symbol, broker.Quote{
		AskPrice1: dec("110"), HasAsk: true,
		BidPrice1: dec("105"), HasBid: true,
	})

	// Now cross the spread so the requoted order actually fills.
	time.Sleep(30 * time.Millisecond)
	b.SetQuote(symbol, broker.Quote{
		AskPrice1: dec("100"), HasAsk: true,
		BidPrice1: dec("105"), HasBid: true,
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("repricing order task never finished after the cancel-and-reprice cycle")
	}

	pos, err := b.GetPosition(context.Background(), symbol)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Pos != 2 {
		t.Fatalf("position = %d, want 2 after the delayed fill", pos.Pos)
	}

	cancelled := 0
	for _, o := range pos.Orders {
		if o.LastMsg == "cancelled" {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Fatal("expected at least one order to have been cancelled by the price monitor")
	}
}

// TestRepricingOrderTaskSplitsAcrossMultipleFills exercises large-order
// splitting end to end: with MinVolume/MaxVolume configured, a target above
// MaxVolume must be worked as multiple separate broker orders, each
// individually within [MinVolume, MaxVolume], summing to the original
// request.
func TestRepricingOrderTaskSplitsAcrossMultipleFills(t *testing.T) {
	symbol := "DCE.b2409"
	b := sim.New(testLogger(), nil)
	b.SetQuote(symbol, broker.Quote{
		AskPrice1: dec("101"), HasAsk: true,
		BidPrice1: dec("100"), HasBid: true,
	})

	tradeCh := make(chan int64, 64)
	rt := &repricingOrderTask{
		logger:    testLogger(),
		api:       b,
		account:   "acct-split",
		symbol:    symbol,
		dir:       broker.Buy,
		offset:    broker.OffsetOpen,
		policy:    PricePolicy{Mode: PriceActive},
		minVolume: 2,
		maxVolume: 5,
		hasSplit:  true,
		tradeCh:   tradeCh,
	}

	const target = 11
	done := make(chan error, 1)
	go func() { done <- rt.run(context.Background(), target) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("split repricing order task never finished")
	}
	close(tradeCh)

	var sum int64
	fills := 0
	for v := range tradeCh {
		fills++
		sum += v
	}
	if sum != target {
		t.Fatalf("total traded volume = %d, want %d", sum, target)
	}
	if fills < 2 {
		t.Fatalf("expected the %d-lot target to split into at least 2 fills given maxVolume=5, got %d", target, fills)
	}

	pos, err := b.GetPosition(context.Background(), symbol)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Pos != target {
		t.Fatalf("position = %d, want %d", pos.Pos, target)
	}
	if len(pos.Orders) < 2 {
		t.Fatalf("expected at least 2 distinct broker orders, got %d", len(pos.Orders))
	}
}
