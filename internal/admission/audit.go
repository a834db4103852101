package admission

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// GormAuditSink persists budget-warning events as Audit rows, reusing the
// teacher's existing audit log table rather than a purpose-built one.
type GormAuditSink struct {
	db *gorm.DB
}

func NewGormAuditSink(db *gorm.DB) *GormAuditSink {
	return &GormAuditSink{db: db}
}

func (s *GormAuditSink) RecordBudgetWarning(ctx context.Context, principal *models.Principal, warning *models.BudgetWarning) error {
	event := &models.Audit{
		EventType:    models.AuditEventBudgetAlert,
		EventAction:  "budget_warning",
		EventResult:  models.AuditResultWarning,
		RequestID:    principal.ID,
		ResourceType: "organization",
		Message:      "budget spend crossed warning threshold",
		Metadata:     nil,
		Timestamp:    time.Now(),
	}
	return s.db.WithContext(ctx).Create(event).Error
}
