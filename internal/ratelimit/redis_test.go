package ratelimit_test

import (
	"context"
	"os"
	"testing"

	"matchbook/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server when MATCHBOOK_TEST_REDIS is set, e.g.
// MATCHBOOK_TEST_REDIS=localhost:6379.
func TestRedis_AllowsUpToCapacity(t *testing.T) {
	addr := os.Getenv("MATCHBOOK_TEST_REDIS")
	if addr == "" {
		t.Skip("MATCHBOOK_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewRedis(client, ratelimit.Config{Capacity: 2, RefillPerSec: 0.001}, "matchbook:test:")
	ctx := context.Background()
	require.True(t, limiter.IsHealthy(ctx))

	key := uuid.NewString()
	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}
