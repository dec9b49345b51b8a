package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a single bucket. Capacity is the burst and refillPerSec the
// sustained rate. All reads and takes are at an explicit time so callers can
// drive it with their own clock.
type TokenBucket struct {
	limiter *rate.Limiter
}

func NewTokenBucket(capacity int64, refillPerSec float64) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(refillPerSec), int(capacity))}
}

// Take consumes one token if available. A refused take leaves the bucket
// untouched.
func (tb *TokenBucket) Take(now time.Time) bool {
	return tb.limiter.AllowN(now, 1)
}

// Remaining reports the tokens available at now.
func (tb *TokenBucket) Remaining(now time.Time) float64 {
	if tb.limiter.Limit() == 0 {
		// Without refill the burst itself is what is left.
		return float64(tb.limiter.Burst())
	}
	return tb.limiter.TokensAt(now)
}

// RetryAfter is how long from now until one whole token is available, zero
// if one is available already or never will be.
func (tb *TokenBucket) RetryAfter(now time.Time) time.Duration {
	limit := float64(tb.limiter.Limit())
	tokens := tb.Remaining(now)
	if tokens >= 1 || limit <= 0 {
		return 0
	}
	seconds := (1 - tokens) / limit
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// Local keeps one bucket per key in process memory.
type Local struct {
	config Config
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewLocal(config Config) *Local {
	return NewLocalWithClock(config, time.Now)
}

func NewLocalWithClock(config Config, clock func() time.Time) *Local {
	return &Local{
		config:  config,
		clock:   clock,
		buckets: make(map[string]*TokenBucket),
	}
}

func (l *Local) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = NewTokenBucket(l.config.Capacity, l.config.RefillPerSec)
		l.buckets[key] = bucket
	}

	allowed := bucket.Take(now)
	return Result{
		Allowed:    allowed,
		Remaining:  int64(math.Floor(bucket.Remaining(now))),
		Limit:      l.config.Capacity,
		RetryAfter: bucket.RetryAfter(now),
	}, nil
}
