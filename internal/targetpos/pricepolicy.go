package targetpos

import (
	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

// PriceMode selects how RepricingOrderTask computes its limit price.
type PriceMode int

const (
	// PriceActive crosses the spread: ask1 for BUY, bid1 for SELL.
	PriceActive PriceMode = iota
	// PricePassive joins the queue: bid1 for BUY, ask1 for SELL.
	PricePassive
	// PriceCustom defers to a caller-supplied function of direction.
	PriceCustom
)

func (m PriceMode) String() string {
	switch m {
	case PriceActive:
		return "ACTIVE"
	case PricePassive:
		return "PASSIVE"
	case PriceCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// CustomPriceFunc computes a limit price for the given direction. A zero
// ok return is treated as BadPrice — the Go analogue of the source
// returning NaN.
type CustomPriceFunc func(dir broker.Direction) (price decimal.Decimal, ok bool)

// PricePolicy bundles the selected mode with its optional custom function.
type PricePolicy struct {
	Mode   PriceMode
	Custom CustomPriceFunc
}

// ParsePriceMode accepts the constructor's "ACTIVE" | "PASSIVE" strings and
// returns the matching PriceMode, or InvalidArgument otherwise.
func ParsePriceMode(s string) (PriceMode, error) {
	switch s {
	case "ACTIVE":
		return PriceActive, nil
	case "PASSIVE":
		return PricePassive, nil
	default:
		return 0, newError(ErrInvalidArgument, "price_mode must be ACTIVE or PASSIVE, got %q", s)
	}
}

// price computes the limit price for dir from the given quote, per §4.5.
// ACTIVE/PASSIVE fall back through the NaN chain: touch -> opposing touch
// -> last_price -> pre_close, each step an explicit optional rather than
// IEEE-754 NaN (per the spec's own design note).
func (p PricePolicy) price(dir broker.Direction, q broker.Quote) (decimal.Decimal, error) {
	if p.Mode == PriceCustom {
		price, ok := p.Custom(dir)
		if !ok {
			return decimal.Decimal{}, newError(ErrBadPrice, "custom price function returned no price for %s", dir)
		}
		return price, nil
	}

	primaryIsAsk := (p.Mode == PriceActive && dir == broker.Buy) || (p.Mode == PricePassive && dir == broker.Sell)

	tryAsk := func() (decimal.Decimal, bool) { return q.AskPrice1, q.HasAsk }
	tryBid := func() (decimal.Decimal, bool) { return q.BidPrice1, q.HasBid }

	primary, fallbackTouch := tryBid, tryAsk
	if primaryIsAsk {
		primary, fallbackTouch = tryAsk, tryBid
	}

	if v, ok := primary(); ok {
		return v, nil
	}
	if v, ok := fallbackTouch(); ok {
		return v, nil
	}
	if q.HasLast {
		return q.LastPrice, nil
	}
	if q.HasPreClose {
		return q.PreClose, nil
	}
	return decimal.Decimal{}, newError(ErrBadPrice, "no price available for %s (no touch, last, or pre-close)", dir)
}
