package models

import (
	"time"

	"github.com/google/uuid"
)

// AuthMode selects how incoming requests are authenticated. One mode is
// active per deployment; it is not negotiated per request.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeIdp    AuthMode = "idp"
	AuthModeIap    AuthMode = "iap"
)

// Principal is the resolved identity of a request, independent of which
// AuthMode produced it.
type Principal struct {
	ID             string
	OrganizationID string
	TenantID       string
	Subject        string
	AuthMode       AuthMode
	APIKeyID       *uuid.UUID
	Scopes         []string
	Claims         map[string]interface{}
	ResolvedAt     time.Time
}

func (p *Principal) HasScope(scope string) bool {
	if len(p.Scopes) == 0 {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}
