package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// GormPolicyResolver resolves a principal's Policy from its owning Group's
// budget and rate-limit configuration, falling back to a fixed default
// when the principal has no resolvable group (anonymous/IAP principals,
// or an org id that predates the group's creation).
type GormPolicyResolver struct {
	db      *gorm.DB
	fallback Policy
}

func NewGormPolicyResolver(db *gorm.DB, fallback Policy) *GormPolicyResolver {
	return &GormPolicyResolver{db: db, fallback: fallback}
}

func (r *GormPolicyResolver) ResolvePolicy(ctx context.Context, principal *models.Principal) (Policy, error) {
	groupID, err := uuid.Parse(principal.OrganizationID)
	if err != nil {
		return r.fallback, nil
	}

	var group models.Group
	err = r.db.WithContext(ctx).First(&group, "id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.fallback, nil
	}
	if err != nil {
		return Policy{}, err
	}

	policy := r.fallback
	if group.DailyBudget > 0 {
		policy.BudgetPeriod = "daily"
		policy.BudgetLimit = models.USD(group.DailyBudget)
	} else if group.MonthlyBudget > 0 {
		policy.BudgetPeriod = "monthly"
		policy.BudgetLimit = models.USD(group.MonthlyBudget)
	}
	if group.RateLimit > 0 {
		policy.RateLimitWindow = time.Minute
		policy.RateLimitMax = int64(group.RateLimit)
	}

	return policy, nil
}
