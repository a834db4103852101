// Package pipeline wires authentication, admission control, guardrails,
// and usage reconciliation into the single request path every proxied
// call goes through: authenticate -> admit -> race guardrails against
// the upstream call -> respond -> reconcile actual usage against the
// reservation.
package pipeline

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/admission"
	"github.com/hadrian-labs/gatewaycore/internal/apierr"
	"github.com/hadrian-labs/gatewaycore/internal/auth"
	"github.com/hadrian-labs/gatewaycore/internal/metrics"
	"github.com/hadrian-labs/gatewaycore/internal/models"
	"github.com/hadrian-labs/gatewaycore/internal/services/guardrails"
	"github.com/hadrian-labs/gatewaycore/internal/usagebuffer"
	"github.com/hadrian-labs/gatewaycore/pkg/circuitbreaker"
)

// Estimate is the pre-call sizing a handler computes from the request
// body before admission is checked: how many tokens and how much budget
// to provisionally reserve. Model identifies which upstream model's
// circuit breaker governs the call.
type Estimate struct {
	Tokens int64
	Cost   models.Microcents
	Model  string
}

// ProviderResult is what a proxied call returns once it completes,
// normalized enough for the reconciler regardless of which provider
// adapter produced it.
type ProviderResult struct {
	StatusCode      int
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	ReasoningTokens int64
	CostMicrocents  models.Microcents
	PricingSource   string
	Streaming       bool
	Error           string

	// Completion is the response text, used by output guardrails to
	// evaluate the completion for policy violations. Empty for streamed
	// responses evaluated some other way, or when output guardrails are
	// disabled.
	Completion string

	// TrailingUsageFrame is the raw SSE `data: {...}` payload of a
	// streamed response's final usage event, for adapters that can only
	// report token counts once generation finishes. When set, InputTokens
	// and OutputTokens above reflect whatever was known synchronously
	// (typically 0) and are overwritten from this frame during
	// reconciliation.
	TrailingUsageFrame string
}

// GuardrailsConfig controls whether and how the concurrent race runs for
// one request.
type GuardrailsConfig struct {
	Enabled        bool
	ConcurrentMode bool
	Timeout        time.Duration
	OnTimeout      guardrails.OnTimeoutPolicy
}

type Pipeline struct {
	authenticator *auth.Authenticator
	admission     *admission.Controller
	buffer        *usagebuffer.Buffer
	guardrailsCfg GuardrailsConfig
	breakers      *circuitbreaker.Manager
	logger        *zap.Logger
}

func New(authenticator *auth.Authenticator, admissionCtrl *admission.Controller, buffer *usagebuffer.Buffer, guardrailsCfg GuardrailsConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		authenticator: authenticator,
		admission:     admissionCtrl,
		buffer:        buffer,
		guardrailsCfg: guardrailsCfg,
		breakers:      circuitbreaker.NewManager(5, 30*time.Second),
		logger:        logger.Named("pipeline"),
	}
}

// Outcome is what the HTTP handler needs to finish writing a response:
// the resolved principal (for logging), and either a provider result or
// a rejection.
type Outcome struct {
	Principal *models.Principal
	Result    *ProviderResult
	Headers   map[string]string
	Err       error
}

// GuardrailsCheck runs input/output policy evaluation. A nil return means
// the content passed; returning *guardrails.GuardrailError with
// Blocked=true rejects the request.
type GuardrailsCheck func(ctx context.Context) error

// OutputGuardrailsCheck evaluates the upstream result once it is known.
// Unlike the input check, it never races the upstream call - there is
// nothing left to race once the result exists - so it always runs after
// upstream returns, blocking the response on it.
type OutputGuardrailsCheck func(ctx context.Context, result *ProviderResult) error

// Upstream performs the actual call to the provider.
type Upstream func(ctx context.Context) (ProviderResult, error)

// Handle runs one request through the full pipeline. requestID identifies
// the request for logging and usage records; estimate is the pre-call
// sizing used for admission; guardrailsCheck and upstream are supplied by
// the HTTP handler, which knows how to parse the specific request body
// and call the specific provider.
func (p *Pipeline) Handle(ctx context.Context, r *http.Request, requestID string, estimate Estimate, guardrailsCheck GuardrailsCheck, outputGuardrailsCheck OutputGuardrailsCheck, upstream Upstream) Outcome {
	principal, err := p.authenticator.Authenticate(ctx, r)
	if err != nil {
		return Outcome{Err: err}
	}

	receipt, err := p.admission.Check(ctx, principal, estimate.Tokens, estimate.Cost)
	if err != nil {
		return Outcome{Principal: principal, Err: err}
	}

	if estimate.Model != "" && p.breakers.IsOpen(estimate.Model) {
		metrics.RecordCircuitBreakerRejection(estimate.Model)
		p.admission.Refund(ctx, budgetRefundKey(principal, receipt), -int64(receipt.BudgetReserved))
		return Outcome{Principal: principal, Headers: receipt.Headers, Err: apierr.ErrUpstreamUnavailable.Wrap(nil)}
	}

	start := time.Now()
	result, raceHeaders, err := p.runGuardrailsAndUpstream(ctx, guardrailsCheck, upstream)
	headers := mergeHeaders(receipt.Headers, raceHeaders)
	if estimate.Model != "" {
		if err != nil {
			p.breakers.RecordFailure(estimate.Model)
		} else {
			p.breakers.RecordSuccess(estimate.Model)
		}
	}
	if err != nil {
		p.admission.Refund(ctx, budgetRefundKey(principal, receipt), -int64(receipt.BudgetReserved))
		return Outcome{Principal: principal, Headers: headers, Err: err}
	}

	if receipt.BudgetWarning != nil {
		headers = withBudgetWarningHeaders(headers, receipt.BudgetWarning)
		p.admission.RecordBudgetWarningOnce(ctx, principal, receipt)
	}

	if outputGuardrailsCheck != nil {
		if err := outputGuardrailsCheck(ctx, result); err != nil {
			p.admission.Refund(ctx, budgetRefundKey(principal, receipt), -int64(receipt.BudgetReserved))
			return Outcome{Principal: principal, Headers: headers, Err: apierr.ErrGuardrailsBlockedOutput.Wrap(err)}
		}
	}

	// A streamed response's real token usage isn't known until its
	// trailing SSE frame arrives, which can be well after this handler
	// returns its headers to the client. Reconcile it on a detached
	// context instead of blocking the response on it.
	if result.Streaming {
		go p.reconcile(context.Background(), principal, receipt, result, requestID, time.Since(start))
	} else {
		p.reconcile(ctx, principal, receipt, result, requestID, time.Since(start))
	}

	return Outcome{Principal: principal, Result: result, Headers: headers}
}

// mergeHeaders combines the admission controller's informational rate/token
// limit headers with whatever the guardrails/upstream race produced, base
// first so a later, more specific header can override it.
func mergeHeaders(base, overlay map[string]string) map[string]string {
	headers := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		headers[k] = v
	}
	for k, v := range overlay {
		headers[k] = v
	}
	return headers
}

func withBudgetWarningHeaders(headers map[string]string, warning *models.BudgetWarning) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	headers["X-Budget-Warning"] = "true"
	headers["X-Budget-Spend-Percentage"] = strconv.FormatFloat(warning.SpendPercentage, 'f', 2, 64)
	return headers
}

func (p *Pipeline) runGuardrailsAndUpstream(ctx context.Context, guardrailsCheck GuardrailsCheck, upstream Upstream) (*ProviderResult, map[string]string, error) {
	if !p.guardrailsCfg.Enabled || guardrailsCheck == nil {
		result, err := upstream(ctx)
		if err != nil {
			return nil, nil, apierr.ErrUpstreamUnavailable.Wrap(err)
		}
		return &result, nil, nil
	}

	if !p.guardrailsCfg.ConcurrentMode {
		if err := guardrailsCheck(ctx); err != nil {
			if ge, ok := err.(*guardrails.GuardrailError); ok && ge.Blocked {
				return nil, nil, apierr.ErrGuardrailsBlocked.Wrap(err)
			}
			return nil, nil, apierr.ErrInternal.Wrap(err)
		}
		result, err := upstream(ctx)
		if err != nil {
			return nil, nil, apierr.ErrUpstreamUnavailable.Wrap(err)
		}
		return &result, nil, nil
	}

	outcome := guardrails.RunConcurrentEvaluation(ctx, guardrailsCheck, upstream, p.guardrailsCfg.Timeout, p.guardrailsCfg.OnTimeout)
	headers := outcome.Headers()
	metrics.RecordGuardrailsRace(string(outcome.Winner), outcome.Blocked)
	if outcome.Blocked {
		if ge, ok := outcome.GuardrailsErr.(*guardrails.GuardrailError); ok {
			metrics.RecordGuardrailBlock(ge.GuardrailName)
		}
		return nil, headers, apierr.ErrGuardrailsBlocked.Wrap(nil)
	}
	if outcome.LLMErr != nil {
		return nil, headers, apierr.ErrUpstreamUnavailable.Wrap(outcome.LLMErr)
	}

	result := outcome.LLMResult
	return &result, headers, nil
}

// budgetRefundKey reconstructs the cache key admission.Controller.Check
// built for the budget op. receipt.RateLimitWindow holds the formatted
// period key (e.g. "2026-07") the controller computed at reservation
// time, not the raw period name in BudgetPeriod.
func budgetRefundKey(principal *models.Principal, receipt *models.ReservationReceipt) string {
	return "budget:" + principal.OrganizationID + ":" + receipt.RateLimitWindow
}
