package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newJWKSServer(t *testing.T, kid string) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk := jwksKey{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksResponse{Keys: []jwksKey{jwk}})
	}))
	t.Cleanup(srv.Close)
	return srv, key
}

func TestJwtValidatorRegistryGetFetchesAndCachesJWKS(t *testing.T) {
	srv, _ := newJWKSServer(t, "kid-1")

	resolveOrg := func(ctx context.Context, orgID string) (string, string, string, []string, error) {
		return srv.URL, "https://issuer.example.com", "gatewaycore", []string{"RS256"}, nil
	}
	reg := NewJwtValidatorRegistry(resolveOrg, nil, 0, zap.NewNop())

	v, err := reg.Get(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com", v.Issuer)
	assert.Contains(t, v.Keys, "kid-1")

	v2, err := reg.Get(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Same(t, v, v2, "second Get within TTL should return the cached validator")
}

func TestJwtValidatorRegistryValidatorsForIssuerTriesEachSharedOrg(t *testing.T) {
	srvA, _ := newJWKSServer(t, "kid-a")
	srvB, _ := newJWKSServer(t, "kid-b")

	orgURLs := map[string]string{"org-a": srvA.URL, "org-b": srvB.URL}
	resolveOrg := func(ctx context.Context, orgID string) (string, string, string, []string, error) {
		url, ok := orgURLs[orgID]
		if !ok {
			return "", "", "", nil, fmt.Errorf("unknown org %s", orgID)
		}
		return url, "https://shared-issuer.example.com", "gatewaycore-" + orgID, []string{"RS256"}, nil
	}
	resolveIssuer := func(ctx context.Context, issuer string) ([]string, error) {
		if issuer != "https://shared-issuer.example.com" {
			return nil, nil
		}
		return []string{"org-a", "org-b"}, nil
	}

	reg := NewJwtValidatorRegistry(resolveOrg, resolveIssuer, 0, zap.NewNop())

	validators, err := reg.ValidatorsForIssuer(context.Background(), "https://shared-issuer.example.com")
	require.NoError(t, err)
	require.Len(t, validators, 2)

	audiences := map[string]bool{}
	for _, v := range validators {
		audiences[v.Audience] = true
	}
	assert.True(t, audiences["gatewaycore-org-a"])
	assert.True(t, audiences["gatewaycore-org-b"])
}

func TestJwtValidatorRegistryValidatorsForIssuerSkipsFailingOrgs(t *testing.T) {
	srvGood, _ := newJWKSServer(t, "kid-good")

	resolveOrg := func(ctx context.Context, orgID string) (string, string, string, []string, error) {
		if orgID == "org-broken" {
			return "http://127.0.0.1:0/jwks", "https://shared-issuer.example.com", "aud", []string{"RS256"}, nil
		}
		return srvGood.URL, "https://shared-issuer.example.com", "aud", []string{"RS256"}, nil
	}
	resolveIssuer := func(ctx context.Context, issuer string) ([]string, error) {
		return []string{"org-broken", "org-good"}, nil
	}

	reg := NewJwtValidatorRegistry(resolveOrg, resolveIssuer, 0, zap.NewNop())

	validators, err := reg.ValidatorsForIssuer(context.Background(), "https://shared-issuer.example.com")
	require.NoError(t, err)
	require.Len(t, validators, 1)
}

func TestJwtValidatorRegistryRecordsNegativeCacheOnFailure(t *testing.T) {
	attempts := 0
	resolveOrg := func(ctx context.Context, orgID string) (string, string, string, []string, error) {
		attempts++
		return "", "", "", nil, fmt.Errorf("org %s not configured", orgID)
	}
	reg := NewJwtValidatorRegistry(resolveOrg, nil, 50*time.Millisecond, zap.NewNop())

	_, err := reg.Get(context.Background(), "org-missing")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	_, err = reg.Get(context.Background(), "org-missing")
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "negative-cached lookup should not re-resolve within the TTL")

	time.Sleep(60 * time.Millisecond)
	_, err = reg.Get(context.Background(), "org-missing")
	require.Error(t, err)
	assert.Equal(t, 2, attempts, "lookup should re-resolve once the negative cache TTL expires")
}
