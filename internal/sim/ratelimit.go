// ratelimit.go implements token-bucket rate limiting for the simulated
// broker's order/cancel/query surface, adapted from the teacher's
// per-category Polymarket CLOB rate limiter (internal/exchange/ratelimit.go)
// to this domain's three operation categories.
package sim

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous
// refill. Callers block in Wait() until a token is available or the
// context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by broker operation category: order
// placement, cancellation, and read-only queries (quote/position/order
// lookups), mirroring the shape of a real exchange's published rate
// limits without being tied to any one venue's numbers.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Query  *TokenBucket
}

// NewRateLimiter builds a RateLimiter from the configured requests-per-second
// ceilings, burst capacity set to 10x the steady rate.
func NewRateLimiter(orderRPS, cancelRPS, queryRPS float64) *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(orderRPS*10, orderRPS),
		Cancel: NewTokenBucket(cancelRPS*10, cancelRPS),
		Query:  NewTokenBucket(queryRPS*10, queryRPS),
	}
}
