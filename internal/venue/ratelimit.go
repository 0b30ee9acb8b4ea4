// ratelimit.go paces outbound requests to stay inside Coincall's API
// limits. The venue counts requests per rolling minute per category; a
// continuously-refilling token bucket smooths our usage instead of
// bursting to the hard cap and eating 429s.
//
// Two buckets cover the client's traffic:
//   - Trade: order placement/cancellation and RFQ actions
//   - Data:  order/account/market-data reads
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a blocking token-bucket limiter with fractional
// continuous refill.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	refilled time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		refilled: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait, ok := tb.take()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// take consumes a token if one is available, otherwise returns how long
// until the next token accrues.
func (tb *TokenBucket) take() (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.refilled).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.refilled = now

	if tb.tokens >= 1 {
		tb.tokens--
		return 0, true
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second)), false
}

// Limiter groups the client's buckets by traffic category.
type Limiter struct {
	Trade *TokenBucket // order create/cancel, RFQ create/accept/cancel
	Data  *TokenBucket // order status, books, account, chain reads
}

// NewLimiter returns buckets tuned comfortably under the venue's
// published per-minute caps.
func NewLimiter() *Limiter {
	return &Limiter{
		Trade: NewTokenBucket(20, 8),  // ~480/min ceiling, 20-deep burst
		Data:  NewTokenBucket(40, 15), // ~900/min ceiling
	}
}
