package usagebuffer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// usageRecordRow is the GORM row for a flushed UsageRecord.
type usageRecordRow struct {
	models.BaseModel
	RequestID      string `gorm:"uniqueIndex;not null"`
	PrincipalID    string `gorm:"index;not null"`
	OrganizationID string `gorm:"index;not null"`
	APIKeyID       *uuid.UUID `gorm:"type:uuid;index"`

	Provider string `gorm:"index"`
	Model    string `gorm:"index"`

	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	ReasoningTokens int64
	TotalTokens     int64

	CostMicrocents int64 `gorm:"not null"`
	PricingSource  string

	Streaming  bool
	StatusCode int
	LatencyMs  int64
	Error      string
}

func (usageRecordRow) TableName() string { return "usage_records" }

// GormSink persists flushed usage records to Postgres via the gateway's
// shared GORM connection.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&usageRecordRow{}); err != nil {
		return nil, fmt.Errorf("migrating usage_records table: %w", err)
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) PersistBatch(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]usageRecordRow, len(records))
	for i, r := range records {
		rows[i] = usageRecordRow{
			BaseModel:       models.BaseModel{CreatedAt: r.Timestamp},
			RequestID:       r.RequestID,
			PrincipalID:     r.PrincipalID,
			OrganizationID:  r.OrganizationID,
			APIKeyID:        r.APIKeyID,
			Provider:        r.Provider,
			Model:           r.Model,
			InputTokens:     r.InputTokens,
			OutputTokens:    r.OutputTokens,
			CachedTokens:    r.CachedTokens,
			ReasoningTokens: r.ReasoningTokens,
			TotalTokens:     r.TotalTokens,
			CostMicrocents:  int64(r.CostMicrocents),
			PricingSource:   r.PricingSource,
			Streaming:       r.Streaming,
			StatusCode:      r.StatusCode,
			LatencyMs:       r.Latency.Milliseconds(),
			Error:           r.Error,
		}
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("persisting usage batch: %w", err)
	}
	return nil
}

// PersistUsageRecord writes a single record; the DLQ retry worker uses it
// to replay usage entries that failed to commit earlier.
func (s *GormSink) PersistUsageRecord(ctx context.Context, record models.UsageRecord) error {
	return s.PersistBatch(ctx, []models.UsageRecord{record})
}
