package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/admission"
	"github.com/hadrian-labs/gatewaycore/internal/apierr"
	"github.com/hadrian-labs/gatewaycore/internal/auth"
	"github.com/hadrian-labs/gatewaycore/internal/dlq"
	"github.com/hadrian-labs/gatewaycore/internal/models"
	"github.com/hadrian-labs/gatewaycore/internal/services/cache"
	"github.com/hadrian-labs/gatewaycore/internal/services/guardrails"
	"github.com/hadrian-labs/gatewaycore/internal/usagebuffer"
)

type fixedPolicy struct{ policy admission.Policy }

func (r fixedPolicy) ResolvePolicy(ctx context.Context, p *models.Principal) (admission.Policy, error) {
	return r.policy, nil
}

type memSink struct{ records []models.UsageRecord }

func (s *memSink) PersistBatch(ctx context.Context, records []models.UsageRecord) error {
	s.records = append(s.records, records...)
	return nil
}

func newHarness(t *testing.T) (*Pipeline, *memSink) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisCacheWithClient(rdb, time.Hour)

	policy := admission.Policy{
		BudgetPeriod:     "daily",
		BudgetLimit:      models.USD(100),
		RateLimitWindow:  time.Minute,
		RateLimitMax:     100,
		TokenLimitWindow: time.Minute,
		TokenLimitMax:    1_000_000,
	}
	ctrl := admission.NewController(c, fixedPolicy{policy}, zap.NewNop())

	authenticator := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Mode:   models.AuthModeNone,
		Logger: zap.NewNop(),
	})

	sink := &memSink{}
	d, err := dlq.NewFileDlq(dlq.FileConfig{Dir: t.TempDir(), MaxFiles: 100}, zap.NewNop())
	require.NoError(t, err)
	buf := usagebuffer.New(usagebuffer.Config{MaxSize: 1, FlushInterval: time.Hour}, sink, d, zap.NewNop())

	p := New(authenticator, ctrl, buf, GuardrailsConfig{Enabled: false}, zap.NewNop())
	return p, sink
}

func TestPipelineHandleAllowsAndReconciles(t *testing.T) {
	p, sink := newHarness(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	outcome := p.Handle(context.Background(), r, "req-1", Estimate{Tokens: 50, Cost: models.USD(1)},
		nil, nil,
		func(ctx context.Context) (ProviderResult, error) {
			return ProviderResult{StatusCode: 200, InputTokens: 10, OutputTokens: 20, CostMicrocents: models.USD(1)}, nil
		})

	require.NoError(t, outcome.Err)
	assert.Equal(t, 200, outcome.Result.StatusCode)

	require.Eventually(t, func() bool { return len(sink.records) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "req-1", sink.records[0].RequestID)
}

func TestPipelineHandleGuardrailsBlockSkipsUpstream(t *testing.T) {
	p, _ := newHarness(t)
	p.guardrailsCfg = GuardrailsConfig{Enabled: true, ConcurrentMode: false}
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	outcome := p.Handle(context.Background(), r, "req-2", Estimate{Tokens: 50, Cost: models.USD(1)},
		func(ctx context.Context) error {
			return &guardrails.GuardrailError{GuardrailName: "pii", Reason: "ssn detected", Blocked: true}
		},
		nil,
		func(ctx context.Context) (ProviderResult, error) {
			t.Fatal("upstream should not be called when guardrails block")
			return ProviderResult{}, nil
		})

	require.Error(t, outcome.Err)
	apiErr, ok := apierr.As(outcome.Err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindGuardrailsBlocked, apiErr.Kind)
}

func TestPipelineHandleUpstreamFailureSurfacesUpstreamUnavailable(t *testing.T) {
	p, _ := newHarness(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	outcome := p.Handle(context.Background(), r, "req-3", Estimate{Tokens: 10, Cost: models.USD(1)},
		nil, nil,
		func(ctx context.Context) (ProviderResult, error) {
			return ProviderResult{}, assert.AnError
		})

	require.Error(t, outcome.Err)
	apiErr, ok := apierr.As(outcome.Err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUpstreamUnavailable, apiErr.Kind)
}

func TestPipelineHandleTripsCircuitBreakerPerModel(t *testing.T) {
	p, _ := newHarness(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	failingUpstream := func(ctx context.Context) (ProviderResult, error) {
		return ProviderResult{}, assert.AnError
	}

	for i := 0; i < 5; i++ {
		outcome := p.Handle(context.Background(), r, "req-fail", Estimate{Tokens: 10, Cost: models.USD(1), Model: "gpt-4"}, nil, nil, failingUpstream)
		require.Error(t, outcome.Err)
	}

	outcome := p.Handle(context.Background(), r, "req-after-trip", Estimate{Tokens: 10, Cost: models.USD(1), Model: "gpt-4"},
		nil, nil,
		func(ctx context.Context) (ProviderResult, error) {
			t.Fatal("upstream should not be called while the breaker is open")
			return ProviderResult{}, nil
		})
	require.Error(t, outcome.Err)
	apiErr, ok := apierr.As(outcome.Err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUpstreamUnavailable, apiErr.Kind)

	outcome = p.Handle(context.Background(), r, "req-other-model", Estimate{Tokens: 10, Cost: models.USD(1), Model: "claude-3"},
		nil, nil,
		func(ctx context.Context) (ProviderResult, error) {
			return ProviderResult{StatusCode: 200, CostMicrocents: models.USD(1)}, nil
		})
	require.NoError(t, outcome.Err)
}

// TestPipelineHandleReconcilesTokenOverrun exercises the token half of
// reconciliation: a request estimated at 50 tokens but that actually
// consumes 600 must leave the token counter reflecting 600, not 50, so a
// follow-up request sees the real remaining quota.
func TestPipelineHandleReconcilesTokenOverrun(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisCacheWithClient(rdb, time.Hour)

	policy := admission.Policy{
		BudgetPeriod:     "daily",
		BudgetLimit:      models.USD(100),
		RateLimitWindow:  time.Minute,
		RateLimitMax:     100,
		TokenLimitWindow: time.Minute,
		TokenLimitMax:    700,
	}
	ctrl := admission.NewController(c, fixedPolicy{policy}, zap.NewNop())
	authenticator := auth.NewAuthenticator(auth.AuthenticatorConfig{Mode: models.AuthModeNone, Logger: zap.NewNop()})
	sink := &memSink{}
	d, err := dlq.NewFileDlq(dlq.FileConfig{Dir: t.TempDir(), MaxFiles: 100}, zap.NewNop())
	require.NoError(t, err)
	buf := usagebuffer.New(usagebuffer.Config{MaxSize: 1, FlushInterval: time.Hour}, sink, d, zap.NewNop())
	p := New(authenticator, ctrl, buf, GuardrailsConfig{Enabled: false}, zap.NewNop())

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	outcome := p.Handle(context.Background(), r, "req-1", Estimate{Tokens: 50, Cost: models.USD(1)},
		nil, nil,
		func(ctx context.Context) (ProviderResult, error) {
			return ProviderResult{StatusCode: 200, InputTokens: 300, OutputTokens: 300, CostMicrocents: models.USD(1)}, nil
		})
	require.NoError(t, outcome.Err)
	require.Eventually(t, func() bool { return len(sink.records) == 1 }, time.Second, 5*time.Millisecond)

	// 600 real tokens already reconciled in; a 100-token estimate pushes
	// past the 700 cap, so this must be rejected without reaching upstream.
	outcome = p.Handle(context.Background(), r, "req-2", Estimate{Tokens: 100, Cost: models.USD(1)},
		nil, nil,
		func(ctx context.Context) (ProviderResult, error) {
			t.Fatal("upstream should not be reached: token quota already exhausted by reconciliation")
			return ProviderResult{}, nil
		})
	require.Error(t, outcome.Err)
	apiErr, ok := apierr.As(outcome.Err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindTokenQuotaExceeded, apiErr.Kind)
}

// TestPipelineHandleDeferredStreamingReconciliation exercises a streamed
// response whose token usage is only known from its trailing SSE frame:
// reconciliation must still apply the real usage, just asynchronously.
func TestPipelineHandleDeferredStreamingReconciliation(t *testing.T) {
	p, sink := newHarness(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	outcome := p.Handle(context.Background(), r, "req-stream", Estimate{Tokens: 50, Cost: models.USD(1)},
		nil, nil,
		func(ctx context.Context) (ProviderResult, error) {
			return ProviderResult{
				StatusCode:         200,
				Streaming:          true,
				CostMicrocents:     models.USD(1),
				TrailingUsageFrame: `{"usage":{"prompt_tokens":300,"completion_tokens":300,"total_tokens":600}}`,
			}, nil
		})

	require.NoError(t, outcome.Err)
	require.Eventually(t, func() bool { return len(sink.records) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(300), sink.records[0].InputTokens)
	assert.Equal(t, int64(300), sink.records[0].OutputTokens)
}

// TestPipelineHandleOutputGuardrailsBlockSurfacesOutputKind confirms an
// output guardrails rejection surfaces as KindGuardrailsBlockedOutput (not
// the input KindGuardrailsBlocked).
func TestPipelineHandleOutputGuardrailsBlockSurfacesOutputKind(t *testing.T) {
	p, _ := newHarness(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	outcome := p.Handle(context.Background(), r, "req-output-block", Estimate{Tokens: 50, Cost: models.USD(1)},
		nil,
		func(ctx context.Context, result *ProviderResult) error {
			return &guardrails.GuardrailError{GuardrailName: "moderation", Reason: "unsafe content", Blocked: true}
		},
		func(ctx context.Context) (ProviderResult, error) {
			return ProviderResult{StatusCode: 200, CostMicrocents: models.USD(1)}, nil
		})

	require.Error(t, outcome.Err)
	apiErr, ok := apierr.As(outcome.Err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindGuardrailsBlockedOutput, apiErr.Kind)
}
