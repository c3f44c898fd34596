package chat

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const idleBucketTTL = 10 * time.Minute

// RateLimiter is a token bucket for throttling generation runs.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 5
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// userLimiters keeps one bucket per user. Idle buckets expire.
type userLimiters struct {
	mu      sync.Mutex
	buckets *cache.Cache
	burst   int
	perMin  float64
}

func newUserLimiters(burst int, perMinute float64) *userLimiters {
	return &userLimiters{
		buckets: cache.New(idleBucketTTL, 2*idleBucketTTL),
		burst:   burst,
		perMin:  perMinute,
	}
}

func (u *userLimiters) forUser(user string) *RateLimiter {
	u.mu.Lock()
	defer u.mu.Unlock()
	if v, ok := u.buckets.Get(user); ok {
		rl := v.(*RateLimiter)
		u.buckets.SetDefault(user, rl)
		return rl
	}
	rl := NewRateLimiter(u.burst, u.perMin)
	u.buckets.SetDefault(user, rl)
	return rl
}

func (u *userLimiters) Wait(ctx context.Context, user string) error {
	return u.forUser(user).Wait(ctx)
}
