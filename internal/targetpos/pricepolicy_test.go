package targetpos

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

func TestParsePriceModeValid(t *testing.T) {
	if m, err := ParsePriceMode("ACTIVE"); err != nil || m != PriceActive {
		t.Fatalf("ParsePriceMode(ACTIVE) = (%v, %v)", m, err)
	}
	if m, err := ParsePriceMode("PASSIVE"); err != nil || m != PricePassive {
		t.Fatalf("ParsePriceMode(PASSIVE) = (%v, %v)", m, err)
	}
}

func TestParsePriceModeInvalid(t *testing.T) {
	_, err := ParsePriceMode("LIMIT")
	assertErrorKind(t, err, ErrInvalidArgument)
}

func TestPricePolicyActiveCrossesSpread(t *testing.T) {
	p := PricePolicy{Mode: PriceActive}
	q := broker.Quote{AskPrice1: dec("101"), HasAsk: true, BidPrice1: dec("99"), HasBid: true}

	price, err := p.price(broker.Buy, q)
	if err != nil || !price.Equal(dec("101")) {
		t.Fatalf("ACTIVE buy price = (%v, %v), want 101", price, err)
	}

	price, err = p.price(broker.Sell, q)
	if err != nil || !price.Equal(dec("99")) {
		t.Fatalf("ACTIVE sell price = (%v, %v), want 99", price, err)
	}
}

func TestPricePolicyPassiveJoinsQueue(t *testing.T) {
	p := PricePolicy{Mode: PricePassive}
	q := broker.Quote{AskPrice1: dec("101"), HasAsk: true, BidPrice1: dec("99"), HasBid: true}

	price, err := p.price(broker.Buy, q)
	if err != nil || !price.Equal(dec("99")) {
		t.Fatalf("PASSIVE buy price = (%v, %v), want 99", price, err)
	}

	price, err = p.price(broker.Sell, q)
	if err != nil || !price.Equal(dec("101")) {
		t.Fatalf("PASSIVE sell price = (%v, %v), want 101", price, err)
	}
}

func TestPricePolicyFallsBackToOpposingTouch(t *testing.T) {
	p := PricePolicy{Mode: PriceActive}
	q := broker.Quote{BidPrice1: dec("99"), HasBid: true} // no ask

	price, err := p.price(broker.Buy, q)
	if err != nil || !price.Equal(dec("99")) {
		t.Fatalf("price = (%v, %v), want fallback to bid 99", price, err)
	}
}

func TestPricePolicyFallsBackToLastThenPreClose(t *testing.T) {
	p := PricePolicy{Mode: PriceActive}

	q := broker.Quote{LastPrice: dec("100"), HasLast: true}
	price, err := p.price(broker.Buy, q)
	if err != nil || !price.Equal(dec("100")) {
		t.Fatalf("price = (%v, %v), want last_price 100", price, err)
	}

	q = broker.Quote{PreClose: dec("98"), HasPreClose: true}
	price, err = p.price(broker.Buy, q)
	if err != nil || !price.Equal(dec("98")) {
		t.Fatalf("price = (%v, %v), want pre_close 98", price, err)
	}
}

func TestPricePolicyNoPriceAvailableIsBadPrice(t *testing.T) {
	p := PricePolicy{Mode: PriceActive}
	_, err := p.price(broker.Buy, broker.Quote{})
	assertErrorKind(t, err, ErrBadPrice)
}

func TestPricePolicyCustom(t *testing.T) {
	p := PricePolicy{Mode: PriceCustom, Custom: func(dir broker.Direction) (decimal.Decimal, bool) {
		if dir == broker.Buy {
			return dec("123.45"), true
		}
		return decimal.Decimal{}, false
	}}

	price, err := p.price(broker.Buy, broker.Quote{})
	if err != nil || !price.Equal(dec("123.45")) {
		t.Fatalf("custom buy price = (%v, %v), want 123.45", price, err)
	}

	_, err = p.price(broker.Sell, broker.Quote{})
	assertErrorKind(t, err, ErrBadPrice)
}
