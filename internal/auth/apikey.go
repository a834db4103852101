package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hadrian-labs/gatewaycore/internal/apierr"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// GormApiKeyLookup resolves presented API keys against the api_keys table.
// It satisfies the ApiKeyLookup interface the Authenticator depends on.
type GormApiKeyLookup struct {
	db *gorm.DB
}

func NewGormApiKeyLookup(db *gorm.DB) *GormApiKeyLookup {
	return &GormApiKeyLookup{db: db}
}

// ResolveAPIKey looks up an API key by its SHA-256 hash, validates it is
// active and unexpired, and returns the Principal it resolves to. A key's
// organization is its owning Group when one is assigned, falling back to
// the owning User otherwise.
func (l *GormApiKeyLookup) ResolveAPIKey(ctx context.Context, keyHash string) (*models.Principal, error) {
	var key models.APIKey
	err := l.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.ErrUnknownPrincipal
	}
	if err != nil {
		return nil, err
	}
	if !key.IsValid() {
		return nil, apierr.ErrExpiredCredentials
	}

	orgID := key.UserID.String()
	if key.GroupID != nil {
		orgID = key.GroupID.String()
	}

	go l.touchLastUsed(key.ID)

	return &models.Principal{
		ID:             key.ID.String(),
		OrganizationID: orgID,
		APIKeyID:       &key.ID,
		Scopes:         key.Scopes,
		ResolvedAt:     time.Now(),
	}, nil
}

// touchLastUsed stamps the key's LastUsedAt off the request path; a failed
// update here must never fail the request it is attached to.
func (l *GormApiKeyLookup) touchLastUsed(id uuid.UUID) {
	now := time.Now()
	l.db.Model(&models.APIKey{}).Where("id = ?", id).Update("last_used_at", now)
}
