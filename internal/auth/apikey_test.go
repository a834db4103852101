package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadrian-labs/gatewaycore/internal/apierr"
	"github.com/hadrian-labs/gatewaycore/internal/infrastructure/testutil"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

func TestGormApiKeyLookupResolvesActiveKey(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	user := models.User{Email: "a@example.com", Username: "alice", Password: "hunter2hunter2"}
	require.NoError(t, db.Create(&user).Error)

	group := models.Group{Name: "eng", RateLimit: 42}
	require.NoError(t, db.Create(&group).Error)

	key := models.APIKey{Name: "ci", KeyHash: "deadbeef", IsActive: true, UserID: user.ID, GroupID: &group.ID}
	require.NoError(t, db.Create(&key).Error)

	lookup := NewGormApiKeyLookup(db)
	principal, err := lookup.ResolveAPIKey(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, group.ID.String(), principal.OrganizationID)
	require.NotNil(t, principal.APIKeyID)
	assert.Equal(t, key.ID, *principal.APIKeyID)
}

func TestGormApiKeyLookupRejectsUnknownHash(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	lookup := NewGormApiKeyLookup(db)
	_, err := lookup.ResolveAPIKey(context.Background(), "not-a-real-hash")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnknownPrincipal, apiErr.Kind)
}

func TestGormApiKeyLookupRejectsInactiveKey(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	user := models.User{Email: "b@example.com", Username: "bob", Password: "hunter2hunter2"}
	require.NoError(t, db.Create(&user).Error)

	key := models.APIKey{Name: "revoked", KeyHash: "revokedhash", IsActive: false, UserID: user.ID}
	require.NoError(t, db.Create(&key).Error)

	lookup := NewGormApiKeyLookup(db)
	_, err := lookup.ResolveAPIKey(context.Background(), "revokedhash")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindExpiredCredentials, apiErr.Kind)
}
