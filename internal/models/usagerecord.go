package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is the unit the UsageBuffer accumulates and flushes to the
// database, and what gets wrapped into a DlqEntry on persistent failure.
type UsageRecord struct {
	RequestID      string    `json:"request_id"`
	PrincipalID    string    `json:"principal_id"`
	OrganizationID string    `json:"organization_id"`
	APIKeyID       *uuid.UUID `json:"api_key_id,omitempty"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	TotalTokens     int64 `json:"total_tokens"`

	CostMicrocents Microcents `json:"cost_microcents"`
	PricingSource  string     `json:"pricing_source"` // "catalog", "provider_reported", "estimated"

	Streaming  bool          `json:"streaming"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
