package auth

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// DefaultIdpOrgID names the fallback binding used when no per-org row in
// idp_org_bindings matches: single-IdP deployments that haven't split
// their JWT config out per org still resolve through here.
const DefaultIdpOrgID = "default"

// GormIdpResolver resolves per-org identity provider configuration from
// the idp_org_bindings table, falling back to a single deployment-wide
// IdP config when no per-org binding exists. This lets most deployments
// run with one shared IdP while still supporting orgs that share an
// issuer but use different JWKS endpoints, audiences, or algorithm
// allowlists.
type GormIdpResolver struct {
	db       *gorm.DB
	fallback models.IdpOrgBinding
}

func NewGormIdpResolver(db *gorm.DB, fallback models.IdpOrgBinding) *GormIdpResolver {
	if fallback.OrgID == "" {
		fallback.OrgID = DefaultIdpOrgID
	}
	return &GormIdpResolver{db: db, fallback: fallback}
}

// ResolveOrg implements TenantResolver, keyed by org ID.
func (r *GormIdpResolver) ResolveOrg(ctx context.Context, orgID string) (jwksURL, issuer, audience string, allowedAlgs []string, err error) {
	var binding models.IdpOrgBinding
	err = r.db.WithContext(ctx).First(&binding, "org_id = ?", orgID).Error
	if err == nil {
		return binding.JWKSURL, binding.Issuer, binding.Audience, binding.AllowedAlgs, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", "", nil, fmt.Errorf("looking up idp binding for org %s: %w", orgID, err)
	}
	if orgID == r.fallback.OrgID && r.fallback.Issuer != "" {
		return r.fallback.JWKSURL, r.fallback.Issuer, r.fallback.Audience, r.fallback.AllowedAlgs, nil
	}
	return "", "", "", nil, fmt.Errorf("no idp binding configured for org %s", orgID)
}

// OrgsForIssuer implements IssuerResolver: every org ID bound to issuer in
// the database, plus the fallback org when its issuer matches and it
// isn't already present (single-tenant deployments seeded without a
// bindings table still resolve).
func (r *GormIdpResolver) OrgsForIssuer(ctx context.Context, issuer string) ([]string, error) {
	var bindings []models.IdpOrgBinding
	if err := r.db.WithContext(ctx).Where("issuer = ?", issuer).Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("looking up idp bindings for issuer %s: %w", issuer, err)
	}

	orgIDs := make([]string, 0, len(bindings)+1)
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		orgIDs = append(orgIDs, b.OrgID)
		seen[b.OrgID] = true
	}
	if r.fallback.Issuer == issuer && !seen[r.fallback.OrgID] {
		orgIDs = append(orgIDs, r.fallback.OrgID)
	}
	return orgIDs, nil
}
