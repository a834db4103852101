package models

import "time"

// ReservationReceipt is returned by the AdmissionController on a successful
// check. It records exactly what was reserved so the caller can issue a
// compensating refund if a later stage (guardrails, upstream) rejects the
// request, and so the UsageReconciler can true up the reservation against
// the final observed cost once the response completes.
type ReservationReceipt struct {
	RequestID      string
	PrincipalID    string
	OrganizationID string

	BudgetReserved    Microcents
	BudgetPeriod      string
	TokensReserved    int64
	TokenKey          string // cache key the token-quota reservation was made under
	RateLimitWindow   string
	RateLimitConsumed int64

	BudgetWarning *BudgetWarning

	// Headers carries the informational X-RateLimit-* headers the pipeline
	// attaches to every response regardless of outcome, computed from the
	// same batch result the reservation was granted from.
	Headers map[string]string

	ReservedAt time.Time
}

// BudgetWarning is attached to a ReservationReceipt when the spend
// percentage for the current period crosses a configured warning
// threshold. It is informational only — the request is still admitted.
type BudgetWarning struct {
	SpendPercentage float64
	Current         Microcents
	Limit           Microcents
	Period          string
}

// Refund describes one compensating operation to undo part of a
// ReservationReceipt. Refunds are applied in reverse order of the
// operations that created them.
type Refund struct {
	Kind   string // "budget", "tokens", "rate_limit"
	Amount int64
	Period string
}
