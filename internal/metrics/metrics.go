// Package metrics exposes Prometheus instrumentation for the admission
// pipeline: outcomes of the budget/rate-limit/token checks, guardrails
// race winners, and dead-letter queue depth. Go runtime and process
// metrics are registered automatically by promhttp.Handler, so they are
// not duplicated here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_admission_checks_total",
			Help: "Total number of admission checks by outcome",
		},
		[]string{"outcome"}, // allowed, budget_exceeded, token_quota_exceeded, rate_limited
	)

	admissionCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatewaycore_admission_check_duration_seconds",
			Help:    "Latency of the batched admission check round trip",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"outcome"},
	)

	refundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_admission_refunds_total",
			Help: "Total number of compensating refunds issued against reservations",
		},
		[]string{"op"}, // budget, tokens, rate_limit
	)

	refundFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_admission_refund_failures_total",
			Help: "Refunds that failed after exhausting retries and were logged instead",
		},
		[]string{"op"},
	)

	guardrailsRaceWinnerTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_guardrails_race_winner_total",
			Help: "Which side of the concurrent guardrails/provider race finished deciding the outcome",
		},
		[]string{"winner", "blocked"}, // winner: guardrails_first, llm_first, guardrails_timed_out
	)

	guardrailsBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_guardrails_blocked_total",
			Help: "Requests blocked by a guardrail, by guardrail name",
		},
		[]string{"guardrail"},
	)

	dlqDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatewaycore_dlq_depth",
			Help: "Number of entries currently sitting in the dead-letter queue",
		},
		[]string{"backend"}, // file, redis, sql
	)

	dlqRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_dlq_retries_total",
			Help: "Total number of dead-letter retry attempts by outcome",
		},
		[]string{"entry_type", "outcome"}, // outcome: success, failure
	)

	usageBufferDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_usage_buffer_dropped_total",
			Help: "Usage records dropped because the buffer was at its hard cap",
		},
		[]string{},
	)

	usageBufferFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatewaycore_usage_buffer_flush_duration_seconds",
			Help:    "Latency of flushing a batch of usage records to the sink",
			Buckets: prometheus.DefBuckets,
		},
	)

	circuitBreakerTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewaycore_circuit_breaker_rejections_total",
			Help: "Requests rejected because a model's circuit breaker was open",
		},
		[]string{"model"},
	)
)

// RecordAdmissionCheck records the outcome of one admission check and how
// long the batched cache round trip took.
func RecordAdmissionCheck(outcome string, seconds float64) {
	admissionChecksTotal.WithLabelValues(outcome).Inc()
	admissionCheckDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRefund records a compensating refund for op ("budget", "tokens",
// "rate_limit"). ok is false when the refund failed after exhausting its
// retries.
func RecordRefund(op string, ok bool) {
	refundsTotal.WithLabelValues(op).Inc()
	if !ok {
		refundFailuresTotal.WithLabelValues(op).Inc()
	}
}

// RecordGuardrailsRace records which side of the concurrent race decided
// the outcome and whether the request was blocked.
func RecordGuardrailsRace(winner string, blocked bool) {
	guardrailsRaceWinnerTotal.WithLabelValues(winner, boolLabel(blocked)).Inc()
}

// RecordGuardrailBlock records a block attributed to a specific guardrail.
func RecordGuardrailBlock(guardrailName string) {
	guardrailsBlockedTotal.WithLabelValues(guardrailName).Inc()
}

// SetDlqDepth reports the current number of entries held by backend
// ("file", "redis" or "sql").
func SetDlqDepth(backend string, depth int) {
	dlqDepth.WithLabelValues(backend).Set(float64(depth))
}

// RecordDlqRetry records one retry attempt for entryType, with outcome
// "success" or "failure".
func RecordDlqRetry(entryType, outcome string) {
	dlqRetriesTotal.WithLabelValues(entryType, outcome).Inc()
}

// RecordUsageBufferDropped records one usage record dropped due to
// buffer overflow.
func RecordUsageBufferDropped() {
	usageBufferDroppedTotal.WithLabelValues().Inc()
}

// RecordUsageBufferFlush records how long one flush to the sink took.
func RecordUsageBufferFlush(seconds float64) {
	usageBufferFlushDuration.Observe(seconds)
}

// RecordCircuitBreakerRejection records a request turned away because
// model's circuit breaker was open.
func RecordCircuitBreakerRejection(model string) {
	circuitBreakerTripsTotal.WithLabelValues(model).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
