package gateway

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

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
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
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

// RateLimiter groups buckets by broker API category. NSE brokers meter
// order placement much tighter than data reads.
type RateLimiter struct {
	Order *TokenBucket // order placement and cancellation
	Data  *TokenBucket // positions, trades, historical candles
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(10, 5),  // 10 burst, 5/s sustained
		Data:  NewTokenBucket(50, 25), // 50 burst, 25/s sustained
	}
}
