package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/apierr"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// ApiKeyLookup resolves a presented API key's hash to a principal. It is
// satisfied by a thin adapter over the api_keys table.
type ApiKeyLookup interface {
	ResolveAPIKey(ctx context.Context, keyHash string) (*models.Principal, error)
}

// IdentityClaims is what the Authenticator extracts from a validated JWT
// before turning it into a Principal; kept separate from jwt.MapClaims so
// callers don't depend on the jwt library's types directly.
type IdentityClaims struct {
	Subject        string
	TenantID       string
	OrganizationID string
	Scopes         []string
	Raw            map[string]interface{}
}

// Authenticator resolves the Principal for a request according to the
// single AuthMode the deployment is configured with. It never tries more
// than one credential scheme within a mode beyond the documented Idp
// fallback (session/API key/JWT): in Idp mode presenting both an API key
// and a bearer JWT is rejected outright rather than guessed at.
type Authenticator struct {
	mode         models.AuthMode
	apiKeyHeader string
	keyPrefix    string
	apiKeys      ApiKeyLookup
	registry     *JwtValidatorRegistry
	iapHeader    string
	logger       *zap.Logger
}

type AuthenticatorConfig struct {
	Mode         models.AuthMode
	APIKeyHeader string
	KeyPrefix    string
	APIKeys      ApiKeyLookup
	Registry     *JwtValidatorRegistry
	IapHeader    string
	Logger       *zap.Logger
}

func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "sk-"
	}
	if cfg.IapHeader == "" {
		cfg.IapHeader = "X-Goog-Authenticated-User-Email"
	}
	return &Authenticator{
		mode:         cfg.Mode,
		apiKeyHeader: cfg.APIKeyHeader,
		keyPrefix:    cfg.KeyPrefix,
		apiKeys:      cfg.APIKeys,
		registry:     cfg.Registry,
		iapHeader:    cfg.IapHeader,
		logger:       cfg.Logger.Named("auth.authenticator"),
	}
}

// Authenticate resolves a Principal from r according to the configured
// AuthMode, or returns an *apierr.Error describing why it could not.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*models.Principal, error) {
	switch a.mode {
	case models.AuthModeNone:
		return &models.Principal{ID: "anonymous", AuthMode: models.AuthModeNone}, nil
	case models.AuthModeAPIKey:
		return a.authenticateAPIKey(ctx, r)
	case models.AuthModeIdp:
		return a.authenticateIdp(ctx, r)
	case models.AuthModeIap:
		return a.authenticateIap(r)
	default:
		return nil, apierr.ErrInternal.Wrap(fmt.Errorf("unknown auth mode %q", a.mode))
	}
}

// bearerToken extracts the token from an Authorization header, matching
// the "Bearer" scheme case-insensitively as required of callers that may
// send "bearer" or "BEARER".
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(auth) <= len(scheme) || !strings.EqualFold(auth[:len(scheme)], scheme) {
		return "", false
	}
	return auth[len(scheme):], true
}

func (a *Authenticator) presentedAPIKey(r *http.Request) string {
	if v := r.Header.Get(a.apiKeyHeader); v != "" {
		return v
	}
	if bearer, ok := bearerToken(r); ok && strings.HasPrefix(bearer, a.keyPrefix) {
		return bearer
	}
	return ""
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, r *http.Request) (*models.Principal, error) {
	key := a.presentedAPIKey(r)
	if key == "" {
		return nil, apierr.ErrMissingCredentials
	}

	keyHash := models.HashAPIKey(key)
	principal, err := a.apiKeys.ResolveAPIKey(ctx, keyHash)
	if err != nil {
		return nil, apierr.ErrUnknownPrincipal.Wrap(err)
	}
	principal.AuthMode = models.AuthModeAPIKey
	return principal, nil
}

// authenticateIdp accepts session identity (an API key presented via the
// configured header), an API key presented as a prefixed bearer token, or
// a bearer JWT — whichever the caller sends, in that order of precedence.
// Presenting both the API key header and a bearer credential is rejected
// as ambiguous: the caller is either misconfigured or attempting to
// confuse downstream authorization logic.
func (a *Authenticator) authenticateIdp(ctx context.Context, r *http.Request) (*models.Principal, error) {
	hasAPIKeyHeader := r.Header.Get(a.apiKeyHeader) != ""
	bearer, hasBearer := bearerToken(r)

	if hasAPIKeyHeader && hasBearer {
		return nil, apierr.ErrAmbiguousCredentials
	}
	if hasAPIKeyHeader {
		return a.authenticateAPIKey(ctx, r)
	}
	if !hasBearer {
		return nil, apierr.ErrMissingCredentials
	}

	// A bearer token shaped like a configured API key is never handed to
	// the JWT validator, regardless of what it contains.
	if strings.HasPrefix(bearer, a.keyPrefix) {
		return a.authenticateAPIKey(ctx, r)
	}

	claims, err := a.validateJwt(ctx, bearer)
	if err != nil {
		return nil, apierr.ErrInvalidCredentials.Wrap(err)
	}

	return &models.Principal{
		ID:             claims.Subject,
		Subject:        claims.Subject,
		TenantID:       claims.TenantID,
		OrganizationID: claims.OrganizationID,
		AuthMode:       models.AuthModeIdp,
		Scopes:         claims.Scopes,
		Claims:         claims.Raw,
	}, nil
}

// validateJwt resolves every org bound to the token's issuer and tries
// each org's validator in turn, since one issuer may be shared by several
// orgs with distinct audiences or key sets. The first validator that
// accepts the token wins.
func (a *Authenticator) validateJwt(ctx context.Context, tokenString string) (*IdentityClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	issuer, _ := unverified.Claims.(jwt.MapClaims)["iss"].(string)
	if issuer == "" {
		return nil, fmt.Errorf("token has no issuer claim")
	}

	validators, err := a.registry.ValidatorsForIssuer(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("resolving jwt validators: %w", err)
	}

	var lastErr error
	for _, validator := range validators {
		claims, err := a.validateAgainst(ctx, validator, tokenString, unverified)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("token rejected by all %d org(s) bound to issuer %s: %w", len(validators), issuer, lastErr)
}

func (a *Authenticator) validateAgainst(ctx context.Context, validator *models.JwtValidator, tokenString string, unverified *jwt.Token) (*IdentityClaims, error) {
	kid, _ := unverified.Header["kid"].(string)

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		alg, _ := t.Header["alg"].(string)
		if !validator.AlgAllowed(alg) {
			return nil, fmt.Errorf("algorithm %q not allowed", alg)
		}
		key, ok := validator.Keys[kid]
		if !ok {
			refreshed, refreshErr := a.registry.RefetchOnMiss(ctx, validator.TenantID, kid)
			if refreshErr != nil {
				return nil, fmt.Errorf("key id %q not found: %w", kid, refreshErr)
			}
			key, ok = refreshed.Keys[kid]
			if !ok {
				return nil, fmt.Errorf("key id %q not found after refetch", kid)
			}
		}
		return key, nil
	}, jwt.WithIssuer(validator.Issuer), jwt.WithAudience(validator.Audience))
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token failed validation")
	}

	mapClaims, _ := token.Claims.(jwt.MapClaims)
	subject, _ := mapClaims["sub"].(string)
	orgID, _ := mapClaims["org_id"].(string)
	if orgID == "" {
		orgID = validator.TenantID
	}

	var scopes []string
	if raw, ok := mapClaims["scope"].(string); ok {
		scopes = strings.Fields(raw)
	}

	return &IdentityClaims{
		Subject:        subject,
		TenantID:       validator.TenantID,
		OrganizationID: orgID,
		Scopes:         scopes,
		Raw:            mapClaims,
	}, nil
}

// authenticateIap trusts an identity header set by a fronting proxy
// (e.g. GCP IAP, an internal auth gateway). No signature is verified
// here; the trust boundary is the network path, enforced by the caller
// checking the request came from a trusted proxy CIDR before this runs.
func (a *Authenticator) authenticateIap(r *http.Request) (*models.Principal, error) {
	identity := r.Header.Get(a.iapHeader)
	if identity == "" {
		return nil, apierr.ErrMissingCredentials
	}

	return &models.Principal{
		ID:       identity,
		Subject:  identity,
		AuthMode: models.AuthModeIap,
	}, nil
}
