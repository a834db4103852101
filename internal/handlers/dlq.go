// Package handlers holds the gateway's small admin-facing HTTP surface,
// kept separate from the proxy request path in internal/pipeline.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/dlq"
)

// DlqHandler exposes cursor-paginated, read-only visibility into the
// dead-letter queue for operators chasing down lost usage writes.
type DlqHandler struct {
	queue  dlq.DeadLetterQueue
	logger *zap.Logger
}

func NewDlqHandler(queue dlq.DeadLetterQueue, logger *zap.Logger) *DlqHandler {
	return &DlqHandler{queue: queue, logger: logger.Named("handlers.dlq")}
}

type dlqEntryDTO struct {
	ID          string  `json:"id"`
	EntryType   string  `json:"entry_type"`
	CreatedAt   string  `json:"created_at"`
	LastRetryAt *string `json:"last_retry_at,omitempty"`
	RetryCount  int     `json:"retry_count"`
	LastError   string  `json:"last_error,omitempty"`
}

type dlqListResponse struct {
	Entries []dlqEntryDTO `json:"entries"`
	HasMore bool          `json:"has_more"`
	Next    *string       `json:"next_cursor,omitempty"`
	Prev    *string       `json:"prev_cursor,omitempty"`
}

// List handles GET /admin/dlq?cursor=&direction=forward|backward&limit=&entry_type=
func (h *DlqHandler) List(w http.ResponseWriter, r *http.Request) {
	params := dlq.ListParams{Direction: dlq.Forward}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		params.Limit = limit
	}

	if cursorStr := r.URL.Query().Get("cursor"); cursorStr != "" {
		cursor, err := dlq.DecodeCursor(cursorStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		params.Cursor = &cursor
	}

	if r.URL.Query().Get("direction") == "backward" {
		params.Direction = dlq.Backward
	}

	if entryType := r.URL.Query().Get("entry_type"); entryType != "" {
		et := dlq.EntryType(entryType)
		params.EntryType = &et
	}

	result, err := h.queue.List(r.Context(), params)
	if err != nil {
		h.logger.Error("dlq list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead-letter entries")
		return
	}

	resp := dlqListResponse{
		Entries: make([]dlqEntryDTO, len(result.Entries)),
		HasMore: result.HasMore,
		Next:    result.Cursors.Next,
		Prev:    result.Cursors.Prev,
	}
	for i, e := range result.Entries {
		dto := dlqEntryDTO{
			ID:         e.ID.String(),
			EntryType:  string(e.EntryType),
			CreatedAt:  e.CreatedAt.Format(httpTimeFormat),
			RetryCount: e.RetryCount,
			LastError:  e.LastError,
		}
		if e.LastRetryAt != nil {
			s := e.LastRetryAt.Format(httpTimeFormat)
			dto.LastRetryAt = &s
		}
		resp.Entries[i] = dto
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

const httpTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
