package models

import "time"

// JwtValidator holds the resolved key material and policy for one tenant's
// JWT issuer. JwtValidatorRegistry keys its cache by tenant identifier and
// lazily constructs these from the tenant's configured JWKS endpoint.
type JwtValidator struct {
	TenantID        string
	Issuer          string
	JWKSURL         string
	AllowedAlgs     []string
	Audience        string
	Keys            map[string]interface{} // kid -> crypto public key
	FetchedAt       time.Time
	TTL             time.Duration
}

func (v *JwtValidator) Expired(now time.Time) bool {
	return now.Sub(v.FetchedAt) > v.TTL
}

func (v *JwtValidator) AlgAllowed(alg string) bool {
	if alg == "none" {
		return false
	}
	for _, a := range v.AllowedAlgs {
		if a == alg {
			return true
		}
	}
	return false
}

// BudgetWarningLedger tracks which warning thresholds (e.g. 80%, 100%) have
// already been emitted for a principal's current budget period, so the
// same warning is not audited twice within one period.
type BudgetWarningLedger struct {
	PrincipalID string
	Period      string
	Emitted     map[int]time.Time // threshold percent -> time emitted
}

func (l *BudgetWarningLedger) HasEmitted(thresholdPercent int) bool {
	if l.Emitted == nil {
		return false
	}
	_, ok := l.Emitted[thresholdPercent]
	return ok
}

func (l *BudgetWarningLedger) MarkEmitted(thresholdPercent int, at time.Time) {
	if l.Emitted == nil {
		l.Emitted = make(map[int]time.Time)
	}
	l.Emitted[thresholdPercent] = at
}
