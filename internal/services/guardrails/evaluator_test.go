package guardrails

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	name      string
	verdict   ProviderVerdict
	err       error
	failTimes int
	calls     int
	sleep     time.Duration
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Evaluate(ctx context.Context, content string) (ProviderVerdict, error) {
	p.calls++
	if p.sleep > 0 {
		select {
		case <-time.After(p.sleep):
		case <-ctx.Done():
			return ProviderVerdict{}, ctx.Err()
		}
	}
	if p.calls <= p.failTimes {
		return ProviderVerdict{}, p.err
	}
	return p.verdict, nil
}

func TestInputGuardrailsCheckPassesCleanContent(t *testing.T) {
	p := &fakeProvider{name: "clean", verdict: ProviderVerdict{Passed: true}}
	g := NewInputGuardrails(p, EvaluatorConfig{Policy: DefaultActionPolicy()}, zap.NewNop())

	err := g.Check("hello there")(context.Background())
	assert.NoError(t, err)
}

func TestInputGuardrailsCheckSkipsProviderForEmptyContent(t *testing.T) {
	p := &fakeProvider{name: "never-called", verdict: ProviderVerdict{Passed: false}}
	g := NewInputGuardrails(p, EvaluatorConfig{Policy: DefaultActionPolicy()}, zap.NewNop())

	err := g.Check("")(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, p.calls)
}

func TestInputGuardrailsCheckBlocksOnViolation(t *testing.T) {
	p := &fakeProvider{
		name: "pii",
		verdict: ProviderVerdict{
			Violations: []Violation{{Category: "ssn", Severity: "high", Message: "ssn detected"}},
		},
	}
	g := NewInputGuardrails(p, EvaluatorConfig{Policy: DefaultActionPolicy()}, zap.NewNop())

	err := g.Check("123-45-6789")(context.Background())
	require.Error(t, err)
	ge, ok := err.(*GuardrailError)
	require.True(t, ok)
	assert.True(t, ge.Blocked)
	assert.Equal(t, "pii", ge.GuardrailName)
}

func TestInputGuardrailsRetriesRetryableErrorThenSucceeds(t *testing.T) {
	p := &fakeProvider{
		name:      "flaky",
		failTimes: 1,
		err:       &RetryableError{Err: errors.New("boom")},
		verdict:   ProviderVerdict{Passed: true},
	}
	g := NewInputGuardrails(p, EvaluatorConfig{
		Policy: DefaultActionPolicy(),
		Retry:  RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, zap.NewNop())

	err := g.Check("content")(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestInputGuardrailsNonRetryableErrorStopsImmediately(t *testing.T) {
	p := &fakeProvider{name: "broken", failTimes: 10, err: errors.New("permanent failure")}
	g := NewInputGuardrails(p, EvaluatorConfig{
		Policy: DefaultActionPolicy(),
		Retry:  RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	}, zap.NewNop())

	err := g.Check("content")(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestInputGuardrailsOnErrorAllowSuppressesProviderError(t *testing.T) {
	p := &fakeProvider{name: "broken", failTimes: 10, err: errors.New("permanent failure")}
	g := NewInputGuardrails(p, EvaluatorConfig{
		Policy:  DefaultActionPolicy(),
		OnError: OnErrorAllow,
	}, zap.NewNop())

	err := g.Check("content")(context.Background())
	assert.NoError(t, err)
}

func TestInputGuardrailsOnErrorLogAndAllowSuppressesProviderError(t *testing.T) {
	p := &fakeProvider{name: "broken", failTimes: 10, err: errors.New("permanent failure")}
	g := NewInputGuardrails(p, EvaluatorConfig{
		Policy:  DefaultActionPolicy(),
		OnError: OnErrorLogAndAllow,
	}, zap.NewNop())

	err := g.Check("content")(context.Background())
	assert.NoError(t, err)
}

func TestInputGuardrailsOnTimeoutOverridesOnError(t *testing.T) {
	p := &fakeProvider{name: "slow", sleep: 50 * time.Millisecond, verdict: ProviderVerdict{Passed: true}}
	g := NewInputGuardrails(p, EvaluatorConfig{
		Policy:    DefaultActionPolicy(),
		Timeout:   5 * time.Millisecond,
		OnError:   OnErrorBlock,
		OnTimeout: OnErrorAllow,
	}, zap.NewNop())

	err := g.Check("content")(context.Background())
	assert.NoError(t, err)
}

func TestOutputGuardrailsCheckBlocksOnViolation(t *testing.T) {
	p := &fakeProvider{
		name: "moderation",
		verdict: ProviderVerdict{
			Violations: []Violation{{Category: "toxicity", Severity: "high", Message: "toxic output"}},
		},
	}
	g := NewOutputGuardrails(p, EvaluatorConfig{Policy: DefaultActionPolicy()}, zap.NewNop())

	err := g.Check("toxic completion")(context.Background())
	require.Error(t, err)
	ge, ok := err.(*GuardrailError)
	require.True(t, ok)
	assert.True(t, ge.Blocked)
}

func TestOutputGuardrailsCheckAllowsCleanCompletion(t *testing.T) {
	p := &fakeProvider{name: "moderation", verdict: ProviderVerdict{Passed: true}}
	g := NewOutputGuardrails(p, EvaluatorConfig{Policy: DefaultActionPolicy()}, zap.NewNop())

	err := g.Check("a perfectly fine response")(context.Background())
	assert.NoError(t, err)
}
