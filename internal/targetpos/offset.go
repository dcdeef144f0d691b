package targetpos

import (
	"github.com/comicfans/targetpos-go/pkg/broker"
)

// Offset-priority token alphabet. Named by the Chinese convention the
// source uses: 昨 (close-history), 今 (close-today), 开 (open).
const (
	tokenCloseHistory = "昨"
	tokenCloseToday   = "今"
	tokenOpen         = "开"
	tokenBarrier      = ","
)

// todayHistorySeparating names the exchanges that track today's position
// separately from history (and therefore support CLOSETODAY as a distinct
// broker offset). This is a deliberately small, explicit table — see
// SPEC_FULL.md §4.3 and the spec's own Design Notes open question about
// not extrapolating this to unconfirmed venues.
var todayHistorySeparating = map[string]bool{
	"SHFE": true,
	"INE":  true,
}

func tracksTodaySeparately(symbol string) bool {
	return todayHistorySeparating[broker.Exchange(symbol)]
}

// waveOrder is the result of decomposing one offset-priority token against
// the current delta and frozen-volume accumulator.
type waveOrder struct {
	Offset broker.Offset
	Dir    broker.Direction
	Volume int64
}

func max0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func absI64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// liveVolumeLeft sums VolumeLeft over orders in pos.Orders that are still
// ALIVE, match dir, and (when offsets is non-empty) match one of offsets.
func liveVolumeLeft(pos broker.Position, dir broker.Direction, offsets ...broker.Offset) int64 {
	var sum int64
	for _, o := range pos.Orders {
		if o.Status != broker.StatusAlive || o.Direction != dir {
			continue
		}
		if len(offsets) > 0 {
			matched := false
			for _, want := range offsets {
				if o.Offset == want {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		sum += o.VolumeLeft
	}
	return sum
}

// nonOpenLiveVolumeLeft sums VolumeLeft over live orders matching dir whose
// offset is anything but OPEN (CLOSE or CLOSETODAY).
func nonOpenLiveVolumeLeft(pos broker.Position, dir broker.Direction) int64 {
	var sum int64
	for _, o := range pos.Orders {
		if o.Status != broker.StatusAlive || o.Direction != dir || o.Offset == broker.OffsetOpen {
			continue
		}
		sum += o.VolumeLeft
	}
	return sum
}

// decomposeToken implements §4.3: given one offset-priority token, the
// signed remaining delta, the pending_frozen accumulator carried within the
// current wave, and the live position/order view, returns the broker order
// to place (zero Volume is a valid "nothing to do here" result).
func decomposeToken(token string, symbol string, delta int64, pendingFrozen int64, pos broker.Position) (waveOrder, error) {
	if delta == 0 {
		return waveOrder{}, nil
	}

	dir := broker.Sell
	if delta > 0 {
		dir = broker.Buy
	}

	switch token {
	case tokenOpen:
		return waveOrder{Offset: broker.OffsetOpen, Dir: dir, Volume: absI64(delta)}, nil

	case tokenCloseHistory:
		// Direction BUY reduces a short position; SELL reduces a long one.
		reducible := pos.PosLong
		if dir == broker.Buy {
			reducible = pos.PosShort
		}

		if tracksTodaySeparately(symbol) {
			his := pos.PosLongHis
			if dir == broker.Buy {
				his = pos.PosShortHis
			}
			frozen := liveVolumeLeft(pos, dir, broker.OffsetClose)
			vol := minI64(absI64(delta), max0(his-frozen))
			return waveOrder{Offset: broker.OffsetClose, Dir: dir, Volume: vol}, nil
		}

		today := pos.PosLongToday
		if dir == broker.Buy {
			today = pos.PosShortToday
		}
		frozen := pendingFrozen + nonOpenLiveVolumeLeft(pos, dir)
		if today-frozen > 0 {
			// Unfrozen today volume exists; the whole history slice is
			// already considered frozen behind it, so skip closing history.
			reducible = frozen
		}
		vol := minI64(absI64(delta), max0(reducible-frozen))
		return waveOrder{Offset: broker.OffsetClose, Dir: dir, Volume: vol}, nil

	case tokenCloseToday:
		today := pos.PosLongToday
		if dir == broker.Buy {
			today = pos.PosShortToday
		}

		if tracksTodaySeparately(symbol) {
			frozen := liveVolumeLeft(pos, dir, broker.OffsetCloseToday)
			vol := minI64(absI64(delta), max0(today-frozen))
			return waveOrder{Offset: broker.OffsetCloseToday, Dir: dir, Volume: vol}, nil
		}

		frozen := pendingFrozen + nonOpenLiveVolumeLeft(pos, dir)
		vol := minI64(absI64(delta), max0(today-frozen))
		return waveOrder{Offset: broker.OffsetClose, Dir: dir, Volume: vol}, nil

	default:
		return waveOrder{}, newError(ErrInvalidArgument, "unknown offset-priority token %q", token)
	}
}

// signedVolume returns the order's volume signed by direction, for
// subtracting against the running delta (a BUY is positive, so subtracting
// it moves a positive delta towards zero; a SELL is negative, so
// subtracting it moves a negative delta towards zero).
func (w waveOrder) signedVolume() int64 {
	if w.Dir == broker.Buy {
		return w.Volume
	}
	return -w.Volume
}

// validateOffsetPriority parses and validates an offset-priority string per
// §3's grammar: a comma-delimited sequence over {昨, 今, 开}, commas acting
// as barriers. Rejects unknown tokens, duplicate tokens within the same
// comma-delimited segment, and an empty specification.
func validateOffsetPriority(spec string) ([]string, error) {
	if spec == "" {
		return nil, newError(ErrInvalidArgument, "offset_priority must not be empty")
	}

	var tokens []string
	seenInSegment := make(map[string]bool)
	runes := []rune(spec)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch string(r) {
		case tokenCloseHistory, tokenCloseToday, tokenOpen:
			tok := string(r)
			if seenInSegment[tok] {
				return nil, newError(ErrInvalidArgument, "offset_priority has duplicate token %q in one segment", tok)
			}
			seenInSegment[tok] = true
			tokens = append(tokens, tok)
		case tokenBarrier:
			tokens = append(tokens, tokenBarrier)
			seenInSegment = make(map[string]bool)
		default:
			return nil, newError(ErrInvalidArgument, "offset_priority has unknown token %q", string(r))
		}
		i++
	}
	if len(tokens) == 0 {
		return nil, newError(ErrInvalidArgument, "offset_priority must not be empty")
	}
	return tokens, nil
}
