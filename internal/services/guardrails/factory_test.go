package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/config"
)

func TestBuildProvidersConstructsEachByType(t *testing.T) {
	providers, err := BuildProviders([]config.GuardrailProviderConfig{
		{Name: "pii", Type: "regex", Options: map[string]string{"pattern.ssn": `\d{3}-\d{2}-\d{4}`}},
		{Name: "blocked-terms", Type: "blocklist", Options: map[string]string{"terms": "foo"}},
	})
	require.NoError(t, err)
	assert.Len(t, providers, 2)
	assert.Contains(t, providers, "pii")
	assert.Contains(t, providers, "blocked-terms")
}

func TestBuildProvidersPropagatesConstructionError(t *testing.T) {
	_, err := BuildProviders([]config.GuardrailProviderConfig{
		{Name: "bad", Type: "regex", Options: map[string]string{"pattern.x": "("}},
	})
	assert.Error(t, err)
}

func TestBuildInputGuardrailsReturnsNilWhenDisabled(t *testing.T) {
	g, err := BuildInputGuardrails(config.GuardrailStageConfig{Enabled: false}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestBuildInputGuardrailsReturnsNilWhenNoProviderNamed(t *testing.T) {
	g, err := BuildInputGuardrails(config.GuardrailStageConfig{Enabled: true}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestBuildInputGuardrailsErrorsOnUnknownProvider(t *testing.T) {
	_, err := BuildInputGuardrails(config.GuardrailStageConfig{
		Enabled:  true,
		Provider: "missing",
	}, map[string]GuardrailsProvider{}, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildInputGuardrailsWiresNamedProvider(t *testing.T) {
	providers, err := BuildProviders([]config.GuardrailProviderConfig{
		{Name: "len", Type: "length", Options: map[string]string{"max_chars": "10", "severity": "critical"}},
	})
	require.NoError(t, err)

	g, err := BuildInputGuardrails(config.GuardrailStageConfig{
		Enabled:          true,
		Provider:         "len",
		Timeout:          time.Second,
		OnError:          "block",
		OnTimeout:        "allow",
		RetryMaxAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
	}, providers, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, g)

	err = g.Check("this content is definitely too long")(context.Background())
	assert.Error(t, err)
}

func TestBuildOutputGuardrailsWiresNamedProvider(t *testing.T) {
	providers, err := BuildProviders([]config.GuardrailProviderConfig{
		{Name: "block-all", Type: "blocklist", Options: map[string]string{"terms": "bad", "severity": "critical"}},
	})
	require.NoError(t, err)

	g, err := BuildOutputGuardrails(config.GuardrailStageConfig{
		Enabled:  true,
		Provider: "block-all",
	}, providers, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, g)

	err = g.Check("this response is bad")(context.Background())
	assert.Error(t, err)
}

func TestParseOnErrorPolicyDefaultsToEmptyForUnknown(t *testing.T) {
	assert.Equal(t, OnErrorPolicy(""), parseOnErrorPolicy("nonsense"))
	assert.Equal(t, OnErrorAllow, parseOnErrorPolicy("allow"))
	assert.Equal(t, OnErrorBlock, parseOnErrorPolicy("block"))
	assert.Equal(t, OnErrorLogAndAllow, parseOnErrorPolicy("log_and_allow"))
}
