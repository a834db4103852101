package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/models"
	gwcache "github.com/hadrian-labs/gatewaycore/internal/services/cache"
)

// fixedPolicyResolver returns the same Policy for every principal.
type fixedPolicyResolver struct {
	policy Policy
}

func (r fixedPolicyResolver) ResolvePolicy(ctx context.Context, principal *models.Principal) (Policy, error) {
	return r.policy, nil
}

func newTestRedisCache(t *testing.T) *gwcache.RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return gwcache.NewRedisCacheWithClient(rdb, time.Hour)
}

func TestAdmissionControllerAllowsWithinLimits(t *testing.T) {
	c := newTestRedisCache(t)
	policy := Policy{
		BudgetPeriod:    "daily",
		BudgetLimit:     models.USD(10),
		RateLimitWindow: time.Minute,
		RateLimitMax:    10,
		TokenLimitWindow: time.Minute,
		TokenLimitMax:   1000,
	}
	ctrl := NewController(c, fixedPolicyResolver{policy}, zap.NewNop())

	principal := &models.Principal{ID: "user-1", OrganizationID: "org-1"}
	receipt, err := ctrl.Check(context.Background(), principal, 100, models.USD(1))
	require.NoError(t, err)
	assert.Equal(t, models.USD(1), receipt.BudgetReserved)
}

func TestAdmissionControllerRefundsOnRateLimitRejection(t *testing.T) {
	c := newTestRedisCache(t)
	policy := Policy{
		BudgetPeriod:     "daily",
		BudgetLimit:      models.USD(1000),
		RateLimitWindow:  time.Minute,
		RateLimitMax:     1,
		TokenLimitWindow: time.Minute,
		TokenLimitMax:    1_000_000,
	}
	ctrl := NewController(c, fixedPolicyResolver{policy}, zap.NewNop())
	ctx := context.Background()
	principal := &models.Principal{ID: "user-2", OrganizationID: "org-2"}

	_, err := ctrl.Check(ctx, principal, 10, models.USD(1))
	require.NoError(t, err)

	_, err = ctrl.Check(ctx, principal, 10, models.USD(1))
	require.Error(t, err)

	// the second call's budget increment should have been refunded, so
	// the org's budget usage reflects only the first (successful) call.
	now := time.Now()
	budgetKey := "budget:org-2:" + PeriodKey("daily", now)
	results, err := c.CheckLimitsBatch(ctx, []gwcache.BatchOp{{Key: budgetKey, Amount: 0, Limit: 0}})
	require.NoError(t, err)
	assert.Equal(t, int64(models.USD(1)), results[0].NewValue)
}

type recordingAuditSink struct {
	calls int
}

func (s *recordingAuditSink) RecordBudgetWarning(ctx context.Context, principal *models.Principal, warning *models.BudgetWarning) error {
	s.calls++
	return nil
}

func TestAdmissionControllerAttachesBudgetWarningOnce(t *testing.T) {
	c := newTestRedisCache(t)
	policy := Policy{
		BudgetPeriod:      "daily",
		BudgetLimit:       models.USD(10),
		WarningThresholds: []int{80},
		RateLimitWindow:   time.Minute,
		RateLimitMax:      100,
		TokenLimitWindow:  time.Minute,
		TokenLimitMax:     1_000_000,
	}
	sink := &recordingAuditSink{}
	ctrl := NewController(c, fixedPolicyResolver{policy}, zap.NewNop()).WithAuditSink(sink)
	ctx := context.Background()
	principal := &models.Principal{ID: "user-3", OrganizationID: "org-3"}

	receipt, err := ctrl.Check(ctx, principal, 10, models.USD(9))
	require.NoError(t, err)
	require.NotNil(t, receipt.BudgetWarning)
	assert.InDelta(t, 90.0, receipt.BudgetWarning.SpendPercentage, 0.01)

	ctrl.RecordBudgetWarningOnce(ctx, principal, receipt)
	ctrl.RecordBudgetWarningOnce(ctx, principal, receipt)
	assert.Equal(t, 1, sink.calls)
}
