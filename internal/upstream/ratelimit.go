// ratelimit.go implements token-bucket rate limiting for the chain-follower
// and submission endpoints.
//
// Most indexer/submission backends enforce per-category limits measured in
// requests per window. This is a smooth token-bucket (continuous refill
// rather than a hard per-window reset) grounded on the teacher's
// internal/exchange/ratelimit.go, generalized from Polymarket's
// Order/Cancel/Book categories to this driver's Submit/Poll categories.
package upstream

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait until a token is available or ctx is cancelled.
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

// RateLimiter groups token buckets by submission-path category: Submit
// gates Submitter.submit's network send, Poll gates Feed.Backfill's REST
// request used to seed the feed before the WebSocket catches up.
type RateLimiter struct {
	Submit *TokenBucket
	Poll   *TokenBucket
}

// NewRateLimiter builds a RateLimiter from configured requests-per-second
// (config.UpstreamConfig's SubmitRatePerS/PollRatePerS), falling back to a
// conservative default when a rate is non-positive (e.g. left unset).
// Capacity is sized to a few seconds' burst at the refill rate, the same
// ratio the teacher's published Order/Cancel/Book limits use.
func NewRateLimiter(submitRatePerSec, pollRatePerSec float64) *RateLimiter {
	if submitRatePerSec <= 0 {
		submitRatePerSec = 5
	}
	if pollRatePerSec <= 0 {
		pollRatePerSec = 10
	}
	return &RateLimiter{
		Submit: NewTokenBucket(submitRatePerSec*4, submitRatePerSec),
		Poll:   NewTokenBucket(pollRatePerSec*5, pollRatePerSec),
	}
}
