package targetpos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

// clockSkewCorrection matches the source's `time.time() - 0.005`: the
// wall-clock recorded alongside each quote update is nudged 5ms earlier to
// account for the time spent between the broker stamping the quote and
// this process observing it.
const clockSkewCorrection = 5 * time.Millisecond

// marketClockTask tracks the wall-clock time of the most recently observed
// quote for a symbol, and pings a latest-only signal channel every time it
// updates. TargetPosTask's trading-session gate blocks on that signal
// rather than polling.
type marketClockTask struct {
	logger   *slog.Logger
	updateCh *latestChan[struct{}]

	mu              sync.RWMutex
	localTimeRecord time.Time
}

func newMarketClockTask(logger *slog.Logger) *marketClockTask {
	return &marketClockTask{
		logger:          logger.With("component", "market_clock"),
		updateCh:        newLatestChan[struct{}](),
		localTimeRecord: time.Now().Add(-clockSkewCorrection),
	}
}

// run consumes quote updates off updates until ctx is cancelled or updates
// closes, stamping localTimeRecord and pinging the clock-update signal on
// every tick.
func (t *marketClockTask) run(ctx context.Context, updates <-chan broker.Update) {
	defer t.updateCh.close()
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
			t.mu.Lock()
			t.localTimeRecord = time.Now().Add(-clockSkewCorrection)
			t.mu.Unlock()
			t.updateCh.send(struct{}{})
		}
	}
}

// now returns the last recorded local time, defaulting to the task's
// construction time (less clockSkewCorrection) if no quote has arrived yet.
func (t *marketClockTask) now() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localTimeRecord
}

// waitForUpdate blocks until the clock has advanced again or ctx is done.
func (t *marketClockTask) waitForUpdate(ctx context.Context) bool {
	_, ok := t.updateCh.recv(ctx.Done())
	return ok
}
