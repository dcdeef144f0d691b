package sim

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestInsertOrderFillsImmediatelyWhenMarketable(t *testing.T) {
	b := New(testLogger(), nil)
	ctx := context.Background()

	b.SetQuote("SHFE.rb2410", broker.Quote{AskPrice1: dec("100"), HasAsk: true, BidPrice1: dec("99"), HasBid: true})

	order, err := b.InsertOrder(ctx, "acct", "SHFE.rb2410", broker.Buy, broker.OffsetOpen, 5, dec("100"), "order-1")
	if err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if order.Status != broker.StatusFinished {
		t.Fatalf("expected immediate fill, got status %v", order.Status)
	}
	if order.VolumeLeft != 0 {
		t.Fatalf("expected VolumeLeft 0, got %d", order.VolumeLeft)
	}

	pos, err := b.GetPosition(ctx, "SHFE.rb2410")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Pos != 5 || pos.PosLong != 5 || pos.PosLongToday != 5 {
		t.Fatalf("unexpected position after open buy fill: %+v", pos)
	}
}

func TestInsertOrderRestsWhenNotMarketable(t *testing.T) {
	b := New(testLogger(), nil)
	ctx := context.Background()

	b.SetQuote("SHFE.rb2410", broker.Quote{AskPrice1: dec("100"), HasAsk: true, BidPrice1: dec("99"), HasBid: true})

	order, err := b.InsertOrder(ctx, "acct", "SHFE.rb2410", broker.Buy, broker.OffsetOpen, 5, dec("98"), "order-1")
	if err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if order.Status != broker.StatusAlive {
		t.Fatalf("expected order to rest, got status %v", order.Status)
	}

	// Quote drops to cross the resting bid: now marketable.
	b.SetQuote("SHFE.rb2410", broker.Quote{AskPrice1: dec("98"), HasAsk: true, BidPrice1: dec("97"), HasBid: true})

	got, err := b.GetOrder(ctx, "acct", "order-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != broker.StatusFinished {
		t.Fatalf("expected order to fill once quote crossed, got status %v", got.Status)
	}
}

func TestCancelOrder(t *testing.T) {
	b := New(testLogger(), nil)
	ctx := context.Background()
	b.SetQuote("SHFE.rb2410", broker.Quote{AskPrice1: dec("100"), HasAsk: true})

	_, err := b.InsertOrder(ctx, "acct", "SHFE.rb2410", broker.Buy, broker.OffsetOpen, 5, dec("98"), "order-1")
	if err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if err := b.CancelOrder(ctx, "acct", "order-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	got, err := b.GetOrder(ctx, "acct", "order-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != broker.StatusFinished || got.VolumeLeft != 5 {
		t.Fatalf("expected cancelled order FINISHED with volume left, got %+v", got)
	}
}

func TestSubscribeReceivesQuoteUpdates(t *testing.T) {
	b := New(testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsubscribe, err := b.Subscribe(ctx, "SHFE.rb2410")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	b.SetQuote("SHFE.rb2410", broker.Quote{AskPrice1: dec("100"), HasAsk: true})

	select {
	case u := <-updates:
		if u.Quote == nil || !u.Quote.AskPrice1.Equal(dec("100")) {
			t.Fatalf("expected quote update, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for quote update")
	}
}

func TestRateLimiterDrainsBurstThenWaits(t *testing.T) {
	rl := NewRateLimiter(100, 100, 100) // capacity 1000, refill 100/s
	ctx := context.Background()

	bucket := NewTokenBucket(2, 100) // capacity 2, refill 100/s
	if err := bucket.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := bucket.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		t.Fatalf("third Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 1*time.Millisecond {
		t.Fatalf("expected third Wait to block for a refill, elapsed %v", elapsed)
	}
	_ = rl
}
