package models

import (
	"time"

	"github.com/google/uuid"
)

// DlqEntryType distinguishes what kind of payload an entry carries. Only
// "usage_log" is dispatched by the retry worker today; other types are
// stored and listed but skipped by the dispatcher without changing their
// retry state.
type DlqEntryType string

const (
	DlqEntryUsageLog DlqEntryType = "usage_log"
)

// DlqEntry is a durable record of a write that could not be committed to
// its primary sink (today: the usage database) on the first attempt.
type DlqEntry struct {
	ID           uuid.UUID      `json:"id"`
	EntryType    DlqEntryType   `json:"entry_type"`
	Payload      []byte         `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
	LastRetryAt  *time.Time     `json:"last_retry_at,omitempty"`
	RetryCount   int            `json:"retry_count"`
	LastError    string         `json:"last_error,omitempty"`
}

// ReferenceTime is the timestamp the retry backoff schedule is computed
// from: the last retry if one happened, otherwise creation time.
func (e *DlqEntry) ReferenceTime() time.Time {
	if e.LastRetryAt != nil {
		return *e.LastRetryAt
	}
	return e.CreatedAt
}
