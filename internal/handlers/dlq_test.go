package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/dlq"
)

func TestDlqHandlerListReturnsEntries(t *testing.T) {
	queue, err := dlq.NewFileDlq(dlq.FileConfig{Dir: t.TempDir(), MaxFiles: 100}, zap.NewNop())
	require.NoError(t, err)

	_, err = queue.Push(context.Background(), dlq.EntryTypeUsageLog, []byte(`{"request_id":"abc"}`))
	require.NoError(t, err)

	h := NewDlqHandler(queue, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq?limit=10", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp dlqListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, string(dlq.EntryTypeUsageLog), resp.Entries[0].EntryType)
}

func TestDlqHandlerListRejectsInvalidCursor(t *testing.T) {
	queue, err := dlq.NewFileDlq(dlq.FileConfig{Dir: t.TempDir(), MaxFiles: 100}, zap.NewNop())
	require.NoError(t, err)

	h := NewDlqHandler(queue, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq?cursor=not-valid-base64!!", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
