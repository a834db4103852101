package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFileDlq(t *testing.T, maxFiles int) *FileDlq {
	t.Helper()
	dir := t.TempDir()
	d, err := NewFileDlq(FileConfig{Dir: dir, MaxFiles: maxFiles}, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestFileDlqPushAndPop(t *testing.T) {
	d := newTestFileDlq(t, 100)
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

func TestFileDlqListPaginates(t *testing.T) {
	d := newTestFileDlq(t, 100)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := d.Push(ctx, EntryTypeUsageLog, []byte(`{}`))
		require.NoError(t, err)
		ids = append(ids, id.String())
		time.Sleep(time.Millisecond)
	}

	page, err := d.List(ctx, ListParams{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)

	cursor, err := DecodeCursor(*page.Cursors.Next)
	require.NoError(t, err)

	page2, err := d.List(ctx, ListParams{Limit: 2, Cursor: &cursor, Direction: Forward})
	require.NoError(t, err)
	assert.Len(t, page2.Entries, 2)

	for _, e := range page.Entries {
		for _, e2 := range page2.Entries {
			assert.NotEqual(t, e.ID, e2.ID)
		}
	}
}

func TestFileDlqPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	d1, err := NewFileDlq(FileConfig{Dir: dir, MaxFiles: 100}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = d1.Push(ctx, EntryTypeUsageLog, []byte(`{"a":1}`))
	require.NoError(t, err)

	d2, err := NewFileDlq(FileConfig{Dir: dir, MaxFiles: 100}, zap.NewNop())
	require.NoError(t, err)

	n, err := d2.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFileDlqEnforcesMaxFiles(t *testing.T) {
	d := newTestFileDlq(t, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := d.Push(ctx, EntryTypeUsageLog, []byte(`{}`))
		require.NoError(t, err)
	}

	n, err := d.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
