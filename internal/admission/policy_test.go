package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadrian-labs/gatewaycore/internal/infrastructure/testutil"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

func TestGormPolicyResolverUsesGroupBudget(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	group := models.Group{Name: "eng", DailyBudget: 50, RateLimit: 30}
	require.NoError(t, db.Create(&group).Error)

	fallback := Policy{
		BudgetPeriod:     "monthly",
		BudgetLimit:      models.USD(1000),
		RateLimitWindow:  time.Minute,
		RateLimitMax:     10,
		TokenLimitWindow: time.Minute,
		TokenLimitMax:    1000,
	}
	resolver := NewGormPolicyResolver(db, fallback)

	policy, err := resolver.ResolvePolicy(context.Background(), &models.Principal{OrganizationID: group.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, "daily", policy.BudgetPeriod)
	assert.Equal(t, models.USD(50), policy.BudgetLimit)
	assert.Equal(t, int64(30), policy.RateLimitMax)
	assert.Equal(t, fallback.TokenLimitMax, policy.TokenLimitMax)
}

func TestGormPolicyResolverFallsBackForUnknownOrg(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	fallback := Policy{BudgetPeriod: "monthly", BudgetLimit: models.USD(5), RateLimitMax: 5}
	resolver := NewGormPolicyResolver(db, fallback)

	policy, err := resolver.ResolvePolicy(context.Background(), &models.Principal{OrganizationID: "anonymous"})
	require.NoError(t, err)
	assert.Equal(t, fallback, policy)
}
