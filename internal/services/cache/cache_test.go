package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCacheWithClient(rdb, time.Hour)
}

func TestRedisCheckLimitsBatchAppliesWithinLimit(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	results, err := c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k1", Amount: 5, Limit: 10}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), results[0].NewValue)
	assert.True(t, results[0].Allowed)

	results, err = c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k1", Amount: 5, Limit: 10}})
	require.NoError(t, err)
	assert.Equal(t, int64(10), results[0].NewValue)
	assert.True(t, results[0].Allowed)
}

func TestRedisCheckLimitsBatchDoesNotApplyRejectedIncrement(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	_, err := c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k2", Amount: 9, Limit: 10}})
	require.NoError(t, err)

	results, err := c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k2", Amount: 5, Limit: 10}})
	require.NoError(t, err)
	assert.False(t, results[0].Allowed)
	assert.Equal(t, int64(9), results[0].NewValue, "rejected op must report the pre-increment value")

	// Confirm the counter itself was left untouched: a follow-up op with
	// room to spare should only need 1 more unit, not 6.
	results, err = c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k2", Amount: 1, Limit: 10}})
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)
	assert.Equal(t, int64(10), results[0].NewValue)
}

func TestRedisCheckLimitsBatchAllowsExactlyAtLimit(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	results, err := c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k3", Amount: 10, Limit: 10}})
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)

	results, err = c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k3", Amount: 1, Limit: 10}})
	require.NoError(t, err)
	assert.False(t, results[0].Allowed)
}

func TestInMemoryCheckLimitsBatchDoesNotApplyRejectedIncrement(t *testing.T) {
	c := NewInMemoryCache(time.Hour)
	ctx := context.Background()

	_, err := c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k1", Amount: 9, Limit: 10}})
	require.NoError(t, err)

	results, err := c.CheckLimitsBatch(ctx, []BatchOp{{Key: "k1", Amount: 5, Limit: 10}})
	require.NoError(t, err)
	assert.False(t, results[0].Allowed)
	assert.Equal(t, int64(9), results[0].NewValue)
}

func TestRedisSetIfAbsentOnlyFirstCallerWins(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	first, err := c.SetIfAbsent(ctx, "once", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.SetIfAbsent(ctx, "once", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}
