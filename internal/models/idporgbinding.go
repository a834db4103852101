package models

// IdpOrgBinding maps one org (Group) to the identity provider configuration
// its members authenticate against. Multiple orgs may share the same
// Issuer/JWKSURL — a single company-wide IdP serving several tenant
// organizations — distinguished by Audience or OrgID once a validator for
// that issuer accepts the token.
type IdpOrgBinding struct {
	BaseModel
	OrgID       string   `gorm:"uniqueIndex;not null"`
	Issuer      string   `gorm:"index;not null"`
	Audience    string   `gorm:"not null"`
	JWKSURL     string   `gorm:"not null"`
	AllowedAlgs []string `gorm:"type:text[]"`
}
