package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunConcurrentEvaluationGuardrailsPassesLLMWins(t *testing.T) {
	outcome := RunConcurrentEvaluation(context.Background(),
		func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		},
		func(ctx context.Context) (string, error) {
			return "response", nil
		},
		time.Second, OnTimeoutBlock)

	assert.False(t, outcome.Blocked)
	assert.Equal(t, "response", outcome.LLMResult)
}

func TestRunConcurrentEvaluationGuardrailsBlocksBeforeLLM(t *testing.T) {
	outcome := RunConcurrentEvaluation(context.Background(),
		func(ctx context.Context) error {
			return &GuardrailError{GuardrailName: "pii", Reason: "detected ssn", Blocked: true}
		},
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		time.Second, OnTimeoutBlock)

	assert.True(t, outcome.Blocked)
	assert.Equal(t, GuardrailsFirst, outcome.Winner)
}

func TestRunConcurrentEvaluationBlocksAfterLLMFinishes(t *testing.T) {
	outcome := RunConcurrentEvaluation(context.Background(),
		func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return &GuardrailError{GuardrailName: "pii", Reason: "detected ssn", Blocked: true}
		},
		func(ctx context.Context) (string, error) {
			return "fast response", nil
		},
		time.Second, OnTimeoutBlock)

	require := assert.New(t)
	require.Equal(LLMFirst, outcome.Winner)
	require.True(outcome.Blocked, "guardrails verdict must win even though the LLM call finished first")
}

func TestRunConcurrentEvaluationTimeoutBlocks(t *testing.T) {
	outcome := RunConcurrentEvaluation(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		10*time.Millisecond, OnTimeoutBlock)

	assert.Equal(t, GuardrailsTimedOut, outcome.Winner)
	assert.True(t, outcome.Blocked)
}

func TestRunConcurrentEvaluationTimeoutAllows(t *testing.T) {
	outcome := RunConcurrentEvaluation(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		func(ctx context.Context) (string, error) {
			time.Sleep(30 * time.Millisecond)
			return "allowed through", nil
		},
		10*time.Millisecond, OnTimeoutAllow)

	assert.Equal(t, GuardrailsTimedOut, outcome.Winner)
	assert.False(t, outcome.Blocked)
	assert.Equal(t, "allowed through", outcome.LLMResult)
}
