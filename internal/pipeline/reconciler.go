package pipeline

import (
	"context"
	"time"

	"github.com/hadrian-labs/gatewaycore/internal/models"
	"github.com/hadrian-labs/gatewaycore/internal/pipeline/sseusage"
)

// reconcile compares the reserved estimate against what the provider call
// actually cost and actually consumed, records a usage entry for the
// buffer to persist, and issues compensating refunds for the budget and
// token-quota reservations so both counters reflect real usage rather
// than the pre-call estimate. The receipt of every request that completes
// passes through here exactly once, synchronously for normal calls and on
// a detached context once the trailing usage frame arrives for streamed
// ones (see Pipeline.Handle). Requests rejected after admission (open
// breaker, upstream or guardrails error, output guardrails block) do not
// come here: Handle refunds their budget reservation directly, and their
// token-quota reservation is not refunded.
func (p *Pipeline) reconcile(ctx context.Context, principal *models.Principal, receipt *models.ReservationReceipt, result *ProviderResult, requestID string, latency time.Duration) {
	if result.Streaming && result.TrailingUsageFrame != "" {
		if usage, ok := sseusage.Parse(result.TrailingUsageFrame); ok {
			result.InputTokens = usage.PromptTokens
			result.OutputTokens = usage.CompletionTokens
		}
	}

	record := models.UsageRecord{
		RequestID:       requestID,
		PrincipalID:     principal.ID,
		OrganizationID:  principal.OrganizationID,
		InputTokens:     result.InputTokens,
		OutputTokens:    result.OutputTokens,
		CachedTokens:    result.CachedTokens,
		ReasoningTokens: result.ReasoningTokens,
		TotalTokens:     result.InputTokens + result.OutputTokens,
		CostMicrocents:  result.CostMicrocents,
		PricingSource:   result.PricingSource,
		Streaming:       result.Streaming,
		StatusCode:      result.StatusCode,
		Latency:         latency,
		Error:           result.Error,
		Timestamp:       time.Now(),
	}

	p.buffer.Record(record)

	if costDiff := int64(result.CostMicrocents) - int64(receipt.BudgetReserved); costDiff != 0 {
		p.admission.Refund(ctx, budgetRefundKey(principal, receipt), costDiff)
	}

	actualTokens := result.InputTokens + result.OutputTokens
	if tokenDiff := actualTokens - receipt.TokensReserved; tokenDiff != 0 && receipt.TokenKey != "" {
		p.admission.Refund(ctx, receipt.TokenKey, tokenDiff)
	}
}
