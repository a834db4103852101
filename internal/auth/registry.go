package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// MaxNegativeCacheEntries bounds the registry's negative cache (orgs whose
// validator recently failed to load: org resolution or JWKS fetch). When exceeded,
// expired entries are dropped first; if that alone isn't enough, the older
// half of what remains is dropped.
const MaxNegativeCacheEntries = 10_000

// DefaultNegativeCacheTTL is used when the caller doesn't configure one.
const DefaultNegativeCacheTTL = 60 * time.Second

type negativeCacheEntry struct {
	cachedAt time.Time
	ttl      time.Duration
}

// TenantResolver looks up one org's JWKS configuration, e.g. from the
// database or from static config for single-tenant deployments.
type TenantResolver func(ctx context.Context, orgID string) (jwksURL, issuer, audience string, allowedAlgs []string, err error)

// IssuerResolver returns every org ID configured to accept tokens from
// issuer. Most issuers map to exactly one org; an issuer shared by several
// orgs (a single company-wide IdP serving multiple tenant organizations)
// maps to more than one, and the registry tries each in turn.
type IssuerResolver func(ctx context.Context, issuer string) ([]string, error)

// JwtValidatorRegistry lazily builds and caches one JwtValidator per org,
// keyed by org ID. Concurrent first-lookups for the same org are
// collapsed with singleflight so a cold cache under load issues one JWKS
// fetch, not N.
type JwtValidatorRegistry struct {
	logger *zap.Logger
	client *http.Client

	resolveOrg    TenantResolver
	resolveIssuer IssuerResolver

	negativeCacheTTL time.Duration

	mu         sync.RWMutex
	validators map[string]*models.JwtValidator
	negative   map[string]negativeCacheEntry

	group singleflight.Group
}

func NewJwtValidatorRegistry(resolveOrg TenantResolver, resolveIssuer IssuerResolver, negativeCacheTTL time.Duration, logger *zap.Logger) *JwtValidatorRegistry {
	if negativeCacheTTL <= 0 {
		negativeCacheTTL = DefaultNegativeCacheTTL
	}
	return &JwtValidatorRegistry{
		logger:           logger.Named("auth.registry"),
		client:           &http.Client{Timeout: 10 * time.Second},
		resolveOrg:       resolveOrg,
		resolveIssuer:    resolveIssuer,
		negativeCacheTTL: negativeCacheTTL,
		validators:       make(map[string]*models.JwtValidator),
		negative:         make(map[string]negativeCacheEntry),
	}
}

// Get returns the validator for orgID, fetching and caching its JWKS if
// not already cached or if the cached entry expired.
func (r *JwtValidatorRegistry) Get(ctx context.Context, orgID string) (*models.JwtValidator, error) {
	r.mu.RLock()
	if v, ok := r.validators[orgID]; ok && !v.Expired(time.Now()) {
		r.mu.RUnlock()
		return v, nil
	}
	if neg, ok := r.negative[orgID]; ok && time.Since(neg.cachedAt) < neg.ttl {
		r.mu.RUnlock()
		return nil, fmt.Errorf("org %s: validator unavailable (negative-cached)", orgID)
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(orgID, func() (interface{}, error) {
		return r.load(ctx, orgID)
	})
	if err != nil {
		r.recordNegative(orgID)
		return nil, err
	}

	return v.(*models.JwtValidator), nil
}

// ValidatorsForIssuer resolves every org bound to issuer and returns the
// validator for each one that can be built. An org whose JWKS fetch fails
// is skipped (logged) rather than failing the whole lookup, since other
// orgs sharing the issuer may still resolve; the caller tries each
// returned validator against the presented token in turn.
func (r *JwtValidatorRegistry) ValidatorsForIssuer(ctx context.Context, issuer string) ([]*models.JwtValidator, error) {
	orgIDs, err := r.resolveIssuer(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("resolving orgs for issuer %s: %w", issuer, err)
	}
	if len(orgIDs) == 0 {
		return nil, fmt.Errorf("no org configured for issuer %s", issuer)
	}

	validators := make([]*models.JwtValidator, 0, len(orgIDs))
	var lastErr error
	for _, orgID := range orgIDs {
		v, err := r.Get(ctx, orgID)
		if err != nil {
			lastErr = err
			r.logger.Warn("skipping org for shared issuer", zap.String("issuer", issuer), zap.String("org_id", orgID), zap.Error(err))
			continue
		}
		validators = append(validators, v)
	}
	if len(validators) == 0 {
		return nil, fmt.Errorf("no validator available for issuer %s: %w", issuer, lastErr)
	}
	return validators, nil
}

func (r *JwtValidatorRegistry) load(ctx context.Context, orgID string) (*models.JwtValidator, error) {
	jwksURL, issuer, audience, allowedAlgs, err := r.resolveOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("resolving org %s: %w", orgID, err)
	}

	keys, err := r.fetchJWKS(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("fetching jwks for org %s: %w", orgID, err)
	}

	v := &models.JwtValidator{
		TenantID:    orgID,
		Issuer:      issuer,
		JWKSURL:     jwksURL,
		Audience:    audience,
		AllowedAlgs: allowedAlgs,
		Keys:        keys,
		FetchedAt:   time.Now(),
		TTL:         time.Hour,
	}

	r.mu.Lock()
	r.validators[orgID] = v
	delete(r.negative, orgID)
	r.mu.Unlock()

	return v, nil
}

// RefetchOnMiss re-fetches an org's JWKS when a kid isn't found in the
// cached key set, in case the issuer rotated keys since the last fetch.
func (r *JwtValidatorRegistry) RefetchOnMiss(ctx context.Context, orgID, kid string) (*models.JwtValidator, error) {
	r.mu.RLock()
	v, ok := r.validators[orgID]
	r.mu.RUnlock()
	if ok {
		if _, found := v.Keys[kid]; found {
			return v, nil
		}
	}

	v2, err, _ := r.group.Do("refetch:"+orgID, func() (interface{}, error) {
		return r.load(ctx, orgID)
	})
	if err != nil {
		return nil, err
	}
	return v2.(*models.JwtValidator), nil
}

func (r *JwtValidatorRegistry) recordNegative(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.negative[orgID] = negativeCacheEntry{cachedAt: time.Now(), ttl: r.negativeCacheTTL}
	r.evictNegativeLocked()
}

// evictNegativeLocked enforces MaxNegativeCacheEntries: expired entries
// are dropped first; if the map is still over the bound, the older half
// (by cachedAt) of what remains is dropped. Callers must hold r.mu.
func (r *JwtValidatorRegistry) evictNegativeLocked() {
	if len(r.negative) <= MaxNegativeCacheEntries {
		return
	}

	now := time.Now()
	for k, v := range r.negative {
		if now.Sub(v.cachedAt) >= v.ttl {
			delete(r.negative, k)
		}
	}

	if len(r.negative) <= MaxNegativeCacheEntries {
		return
	}

	type keyed = struct {
		key      string
		cachedAt time.Time
	}
	entries := make([]keyed, 0, len(r.negative))
	for k, v := range r.negative {
		entries = append(entries, keyed{k, v.cachedAt})
	}
	// Drop the older half.
	sortByCachedAt(entries)
	cut := len(entries) / 2
	for i := 0; i < cut; i++ {
		delete(r.negative, entries[i].key)
	}
}

func sortByCachedAt(entries []struct {
	key      string
	cachedAt time.Time
}) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].cachedAt.Before(entries[j-1].cachedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

type jwksResponse struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (r *JwtValidatorRegistry) fetchJWKS(ctx context.Context, jwksURL string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("decoding jwks response: %w", err)
	}

	keys := make(map[string]interface{}, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pubKey, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			r.logger.Warn("skipping unparsable jwk", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pubKey
	}

	return keys, nil
}

func rsaPublicKeyFromJWK(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
