package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket throttling model provider calls.
type RateLimiter struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}
	return &RateLimiter{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   perMinute / 60.0,
		last:   time.Now(),
		now:    time.Now,
	}
}

// take refills the bucket and consumes a token when one is available.
// Otherwise it reports how long until the next token.
func (rl *RateLimiter) take() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens = min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.rate)
	rl.last = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second)), false
}

// Allow consumes a token without waiting.
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.take()
	return ok
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
