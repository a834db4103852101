// Package admission implements the budget, token-quota, and rate-limit
// checks every request must clear before it is allowed to reach a
// provider. All checks for one request go through the cache in a single
// pipelined round trip; on partial failure the controller issues
// compensating refunds for whichever operations already succeeded.
package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/apierr"
	"github.com/hadrian-labs/gatewaycore/internal/metrics"
	"github.com/hadrian-labs/gatewaycore/internal/models"
	"github.com/hadrian-labs/gatewaycore/internal/services/cache"
)

// Policy is the resolved limits a principal's request is checked against.
// A real deployment resolves this per-organization; the zero value falls
// back to the deployment-wide defaults in config.
type Policy struct {
	BudgetPeriod          string
	BudgetLimit           models.Microcents
	WarningThresholds     []int // percentages, e.g. [80, 100]
	RateLimitWindow       time.Duration
	RateLimitMax          int64
	TokenLimitWindow       time.Duration
	TokenLimitMax         int64
}

// PolicyResolver maps a principal to the Policy it should be checked
// against.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, principal *models.Principal) (Policy, error)
}

// AuditSink records the one-shot budget-warning audit event. Optional: a
// Controller with no sink still dedupes the warning in cache but skips
// persisting it.
type AuditSink interface {
	RecordBudgetWarning(ctx context.Context, principal *models.Principal, warning *models.BudgetWarning) error
}

type Controller struct {
	cache     cache.Cache
	policies  PolicyResolver
	auditSink AuditSink
	logger    *zap.Logger

	refundMaxAttempts int
	refundInitialWait time.Duration
}

func NewController(c cache.Cache, policies PolicyResolver, logger *zap.Logger) *Controller {
	return &Controller{
		cache:             c,
		policies:          policies,
		logger:            logger.Named("admission"),
		refundMaxAttempts: 3,
		refundInitialWait: 10 * time.Millisecond,
	}
}

// WithAuditSink attaches the sink budget warnings are persisted to.
func (c *Controller) WithAuditSink(sink AuditSink) *Controller {
	c.auditSink = sink
	return c
}

const (
	opBudget    = "budget"
	opTokens    = "tokens"
	opRateLimit = "rate_limit"
)

// Check reserves budget, an estimated token quota, and a rate-limit slot
// for one request, in that order, as a single batch. If an earlier op in
// the batch succeeds but a later one fails, the earlier op's increment is
// refunded before Check returns the rejection — callers never see a
// reservation receipt for a request that was ultimately denied.
func (c *Controller) Check(ctx context.Context, principal *models.Principal, estimatedTokens int64, estimatedCost models.Microcents) (*models.ReservationReceipt, error) {
	checkStart := time.Now()
	policy, err := c.policies.ResolvePolicy(ctx, principal)
	if err != nil {
		return nil, apierr.ErrInternal.Wrap(fmt.Errorf("resolving policy: %w", err))
	}

	now := time.Now()
	periodKey := PeriodKey(policy.BudgetPeriod, now)
	budgetKey := fmt.Sprintf("budget:%s:%s", principal.OrganizationID, periodKey)
	tokenKey := fmt.Sprintf("tokens:%s:%d", principal.ID, now.Truncate(policy.TokenLimitWindow).Unix())
	rateKey := fmt.Sprintf("rate:%s:%d", principal.ID, now.Truncate(policy.RateLimitWindow).Unix())

	ops := []cache.BatchOp{
		{Key: budgetKey, Amount: int64(estimatedCost), Limit: int64(policy.BudgetLimit), TTL: budgetTTL(policy.BudgetPeriod, now)},
		{Key: tokenKey, Amount: estimatedTokens, Limit: policy.TokenLimitMax, TTL: policy.TokenLimitWindow},
		{Key: rateKey, Amount: 1, Limit: policy.RateLimitMax, TTL: policy.RateLimitWindow},
	}

	results, err := c.cache.CheckLimitsBatch(ctx, ops)
	if err != nil {
		return nil, apierr.ErrInternal.Wrap(fmt.Errorf("checking limits: %w", err))
	}

	if rejection := c.firstRejection(ctx, policy, ops, results, now); rejection != nil {
		metrics.RecordAdmissionCheck(rejectionOutcome(rejection), time.Since(checkStart).Seconds())
		return nil, rejection
	}

	metrics.RecordAdmissionCheck("allowed", time.Since(checkStart).Seconds())

	headers := rateLimitHeaders(policy, results[2], now)
	for k, v := range tokenLimitHeaders(policy, results[1], now) {
		headers[k] = v
	}

	return &models.ReservationReceipt{
		RequestID:         principal.ID,
		PrincipalID:       principal.ID,
		OrganizationID:    principal.OrganizationID,
		BudgetReserved:    estimatedCost,
		BudgetPeriod:      policy.BudgetPeriod,
		TokensReserved:    estimatedTokens,
		TokenKey:          tokenKey,
		RateLimitWindow:   periodKey,
		RateLimitConsumed: 1,
		BudgetWarning:     budgetWarning(policy, results[0]),
		Headers:           headers,
		ReservedAt:        now,
	}, nil
}

// windowResetSeconds returns how many seconds remain until the fixed window
// containing now (of length window, truncated to its start) rolls over.
func windowResetSeconds(window time.Duration, now time.Time) int64 {
	if window <= 0 {
		return 0
	}
	end := now.Truncate(window).Add(window)
	return int64(end.Sub(now).Seconds())
}

func remaining(limit, used int64) int64 {
	r := limit - used
	if r < 0 {
		return 0
	}
	return r
}

// rateLimitHeaders reports the per-minute request-rate headers for a
// successful reservation.
func rateLimitHeaders(policy Policy, rateResult cache.BatchResult, now time.Time) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(policy.RateLimitMax, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(remaining(policy.RateLimitMax, rateResult.NewValue), 10),
		"X-RateLimit-Reset":     strconv.FormatInt(windowResetSeconds(policy.RateLimitWindow, now), 10),
	}
}

// tokenLimitHeaders reports the per-window token-quota headers for a
// successful reservation.
func tokenLimitHeaders(policy Policy, tokenResult cache.BatchResult, now time.Time) map[string]string {
	return map[string]string{
		"X-RateLimit-Tokens-Limit":     strconv.FormatInt(policy.TokenLimitMax, 10),
		"X-RateLimit-Tokens-Remaining": strconv.FormatInt(remaining(policy.TokenLimitMax, tokenResult.NewValue), 10),
		"X-RateLimit-Tokens-Reset":     strconv.FormatInt(windowResetSeconds(policy.TokenLimitWindow, now), 10),
	}
}

// budgetExceededHeaders reports the spend/limit/period a rejected budget
// check failed against. current is the pre-increment spend: a rejecting op
// never applies its own increment (see cache.CheckLimitsBatch), so the
// counter's value is unchanged by this request.
func budgetExceededHeaders(policy Policy, current int64) map[string]string {
	return map[string]string{
		"X-Budget-Current-Spend-Cents": strconv.FormatInt(models.Microcents(current).ToCents(), 10),
		"X-Budget-Limit-Cents":         strconv.FormatInt(policy.BudgetLimit.ToCents(), 10),
		"X-Budget-Period":              policy.BudgetPeriod,
	}
}

func rateLimitExceededHeaders(policy Policy, now time.Time) map[string]string {
	reset := windowResetSeconds(policy.RateLimitWindow, now)
	return map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(policy.RateLimitMax, 10),
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     strconv.FormatInt(reset, 10),
		"Retry-After":           strconv.FormatInt(reset, 10),
	}
}

func tokenQuotaExceededHeaders(policy Policy, now time.Time) map[string]string {
	reset := windowResetSeconds(policy.TokenLimitWindow, now)
	return map[string]string{
		"X-RateLimit-Tokens-Limit":     strconv.FormatInt(policy.TokenLimitMax, 10),
		"X-RateLimit-Tokens-Remaining": "0",
		"X-RateLimit-Tokens-Reset":     strconv.FormatInt(reset, 10),
		"Retry-After":                  strconv.FormatInt(reset, 10),
	}
}

func withHeaders(err *apierr.Error, headers map[string]string) error {
	for k, v := range headers {
		err = err.WithHeader(k, v)
	}
	return err
}

// budgetWarning checks the post-increment budget spend against the
// policy's configured thresholds and returns the highest one crossed, or
// nil if spend is still below all of them.
func budgetWarning(policy Policy, budgetResult cache.BatchResult) *models.BudgetWarning {
	if policy.BudgetLimit <= 0 || len(policy.WarningThresholds) == 0 {
		return nil
	}

	percentage := float64(budgetResult.NewValue) / float64(policy.BudgetLimit) * 100

	crossed := -1
	for _, threshold := range policy.WarningThresholds {
		if percentage >= float64(threshold) && threshold > crossed {
			crossed = threshold
		}
	}
	if crossed < 0 {
		return nil
	}

	return &models.BudgetWarning{
		SpendPercentage: percentage,
		Current:         models.Microcents(budgetResult.NewValue),
		Limit:           policy.BudgetLimit,
		Period:          policy.BudgetPeriod,
	}
}

// RecordBudgetWarningOnce dedupes and persists the budget-warning audit
// event for one (principal, period): the first caller within the period
// to observe the warning wins the cache set and writes the audit record;
// later callers in the same period see it already set and do nothing.
func (c *Controller) RecordBudgetWarningOnce(ctx context.Context, principal *models.Principal, receipt *models.ReservationReceipt) {
	if receipt.BudgetWarning == nil {
		return
	}

	key := fmt.Sprintf("budget_warning_logged:%s:%s", principal.ID, receipt.RateLimitWindow)
	first, err := c.cache.SetIfAbsent(ctx, key, budgetTTL(receipt.BudgetPeriod, time.Now()))
	if err != nil {
		c.logger.Error("deduping budget warning", zap.String("key", key), zap.Error(err))
		return
	}
	if !first || c.auditSink == nil {
		return
	}

	if err := c.auditSink.RecordBudgetWarning(ctx, principal, receipt.BudgetWarning); err != nil {
		c.logger.Error("recording budget warning audit event", zap.Error(err))
	}
}

// firstRejection inspects batch results in operation order. On the first
// disallowed result it refunds every op that ran before it (which all
// succeeded, by construction) and returns the matching apierr carrying the
// headers the client needs to back off correctly. The rejecting op itself
// never incremented its counter (cache.CheckLimitsBatch leaves a
// disallowed op's value unchanged), so there is nothing to refund for it.
// Later ops in the same batch already ran against the cache regardless of
// earlier outcomes, so they are left untouched by this function; Check's
// caller only ever sees the first rejection.
func (c *Controller) firstRejection(ctx context.Context, policy Policy, ops []cache.BatchOp, results []cache.BatchResult, now time.Time) error {
	for i, r := range results {
		if r.Allowed {
			continue
		}

		kind := []string{opBudget, opTokens, opRateLimit}[i]
		c.refundPriorOps(ctx, ops[:i])

		switch kind {
		case opBudget:
			return withHeaders(apierr.ErrBudgetExceeded, budgetExceededHeaders(policy, r.NewValue))
		case opTokens:
			return withHeaders(apierr.ErrTokenQuotaExceeded, tokenQuotaExceededHeaders(policy, now))
		default:
			return withHeaders(apierr.ErrRateLimited, rateLimitExceededHeaders(policy, now))
		}
	}
	return nil
}

// refundPriorOps reverses, in reverse order, every op that succeeded
// before the rejecting one, with bounded retry on transient cache errors.
func (c *Controller) refundPriorOps(ctx context.Context, ops []cache.BatchOp) {
	kinds := []string{opBudget, opTokens, opRateLimit}
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Amount == 0 {
			continue
		}
		c.refundWithBackoff(ctx, op.Key, -op.Amount, kinds[i])
	}
}

func (c *Controller) refundWithBackoff(ctx context.Context, key string, amount int64, op string) {
	wait := c.refundInitialWait
	var lastErr error
	for attempt := 0; attempt < c.refundMaxAttempts; attempt++ {
		_, err := c.cache.CheckLimitsBatch(ctx, []cache.BatchOp{{Key: key, Amount: amount, Limit: 0}})
		if err == nil {
			metrics.RecordRefund(op, true)
			return
		}
		lastErr = err
		time.Sleep(wait)
		wait *= 2
	}
	metrics.RecordRefund(op, false)
	c.logger.Error("failed to refund reservation after retries",
		zap.String("key", key), zap.Int64("amount", amount), zap.Error(lastErr))
}

// Refund applies an explicit compensating adjustment for a reservation
// that was granted but whose request was later rejected downstream (e.g.
// by guardrails) or whose actual cost differed from the estimate.
func (c *Controller) Refund(ctx context.Context, key string, amount int64) {
	c.refundWithBackoff(ctx, key, amount, opBudget)
}

func rejectionOutcome(err error) string {
	apiErr, ok := apierr.As(err)
	if !ok {
		return "rejected"
	}
	switch apiErr.Kind {
	case apierr.KindBudgetExceeded:
		return "budget_exceeded"
	case apierr.KindTokenQuotaExceeded:
		return "token_quota_exceeded"
	case apierr.KindRateLimited:
		return "rate_limited"
	default:
		return "rejected"
	}
}

// budgetTTL is always the full length of period, not the time remaining in
// it: the counter must outlive the whole period even if first written near
// its end.
func budgetTTL(period string, at time.Time) time.Duration {
	return time.Duration(PeriodLengthDays(period, at)) * 24 * time.Hour
}
