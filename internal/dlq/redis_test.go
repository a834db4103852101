package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisDlq(t *testing.T, retainFor time.Duration) *RedisDlq {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisDlq(rdb, retainFor, zap.NewNop())
}

func TestRedisDlqPushAndPop(t *testing.T) {
	d := newTestRedisDlq(t, 0)
	ctx := context.Background()

	id, err := d.Push(ctx, EntryTypeUsageLog, []byte(`{"request_id":"abc"}`))
	require.NoError(t, err)

	n, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entry, err := d.Pop(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, EntryTypeUsageLog, entry.EntryType)

	empty, err := d.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRedisDlqMarkRetried(t *testing.T) {
	d := newTestRedisDlq(t, 0)
	ctx := context.Background()

	id, err := d.Push(ctx, EntryTypeUsageLog, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, d.MarkRetried(ctx, id, "sink unavailable"))

	entry, err := d.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, "sink unavailable", entry.LastError)
	require.NotNil(t, entry.LastRetryAt)
}

func TestRedisDlqListOrdersNewestFirst(t *testing.T) {
	d := newTestRedisDlq(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.Push(ctx, EntryTypeUsageLog, []byte(`{}`))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	result, err := d.List(ctx, ListParams{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
	assert.True(t, result.HasMore)
	assert.True(t, result.Entries[0].CreatedAt.After(result.Entries[1].CreatedAt) ||
		result.Entries[0].CreatedAt.Equal(result.Entries[1].CreatedAt))
}

func TestRedisDlqPruneRemovesOldEntries(t *testing.T) {
	d := newTestRedisDlq(t, time.Millisecond)
	ctx := context.Background()

	_, err := d.Push(ctx, EntryTypeUsageLog, []byte(`{}`))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	removed, err := d.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	empty, err := d.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRedisDlqClear(t *testing.T) {
	d := newTestRedisDlq(t, 0)
	ctx := context.Background()

	_, err := d.Push(ctx, EntryTypeUsageLog, []byte(`{}`))
	require.NoError(t, err)
	_, err = d.Push(ctx, EntryTypeUsageLog, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, d.Clear(ctx))

	n, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
