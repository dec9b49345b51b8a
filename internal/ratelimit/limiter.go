// Package ratelimit throttles order submission per submitter using token
// buckets. Each key owns a bucket that starts full, refills continuously at a
// fixed rate and never holds more than its capacity.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

// Result contains the rate limiting decision and metadata.
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

type Config struct {
	Capacity     int64
	RefillPerSec float64
}
