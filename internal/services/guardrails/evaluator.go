package guardrails

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// OnErrorPolicy decides what happens when a GuardrailsProvider call fails
// after its retries are exhausted.
type OnErrorPolicy string

const (
	OnErrorBlock       OnErrorPolicy = "block"
	OnErrorAllow       OnErrorPolicy = "allow"
	OnErrorLogAndAllow OnErrorPolicy = "log_and_allow"
)

// RetryPolicy bounds how many times a provider call is retried after a
// retryable error, with exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// EvaluatorConfig configures one InputGuardrails or OutputGuardrails
// evaluator.
type EvaluatorConfig struct {
	Timeout time.Duration
	Retry   RetryPolicy
	OnError OnErrorPolicy
	// OnTimeout overrides OnError specifically for a provider timeout.
	// Input guardrails use this to distinguish "the check never
	// finished" from "the check failed"; leave zero to fall back to
	// OnError for both.
	OnTimeout OnErrorPolicy
	Policy    ActionPolicy
}

// RetryableError marks a GuardrailsProvider error as safe to retry - a
// transient network or 5xx failure, not a rejection of the content
// itself.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func isRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// InputGuardrails evaluates a request's prompt before it reaches the
// upstream provider.
type InputGuardrails struct {
	provider GuardrailsProvider
	executor *ActionExecutor
	cfg      EvaluatorConfig
	logger   *zap.Logger
}

func NewInputGuardrails(provider GuardrailsProvider, cfg EvaluatorConfig, logger *zap.Logger) *InputGuardrails {
	return &InputGuardrails{
		provider: provider,
		executor: NewActionExecutor(cfg.Policy),
		cfg:      cfg,
		logger:   logger.Named("guardrails.input"),
	}
}

// Evaluate runs the provider (retrying retryable errors per the
// configured RetryPolicy) against content and resolves its verdict to a
// ResolvedAction. Empty content always resolves to Allow without calling
// the provider.
func (g *InputGuardrails) Evaluate(ctx context.Context, content string) (ResolvedAction, error) {
	return evaluate(ctx, g.provider, g.executor, g.cfg, content, g.logger)
}

// Check adapts Evaluate to pipeline.GuardrailsCheck: a nil return means
// the content passed; a non-nil *GuardrailError with Blocked=true means
// the caller must reject the request.
func (g *InputGuardrails) Check(content string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return checkAction(ctx, g.Evaluate, content, g.provider.Name())
	}
}

// OutputGuardrails evaluates a response's completion once the upstream
// call returns.
type OutputGuardrails struct {
	provider GuardrailsProvider
	executor *ActionExecutor
	cfg      EvaluatorConfig
	logger   *zap.Logger
}

func NewOutputGuardrails(provider GuardrailsProvider, cfg EvaluatorConfig, logger *zap.Logger) *OutputGuardrails {
	return &OutputGuardrails{
		provider: provider,
		executor: NewActionExecutor(cfg.Policy),
		cfg:      cfg,
		logger:   logger.Named("guardrails.output"),
	}
}

func (g *OutputGuardrails) Evaluate(ctx context.Context, content string) (ResolvedAction, error) {
	return evaluate(ctx, g.provider, g.executor, g.cfg, content, g.logger)
}

func (g *OutputGuardrails) Check(content string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return checkAction(ctx, g.Evaluate, content, g.provider.Name())
	}
}

func checkAction(ctx context.Context, evaluate func(context.Context, string) (ResolvedAction, error), content, providerName string) error {
	action, err := evaluate(ctx, content)
	if err != nil {
		return err
	}
	if action.Kind == ActionBlock {
		return &GuardrailError{GuardrailName: providerName, Reason: action.Reason, Blocked: true}
	}
	return nil
}

func evaluate(ctx context.Context, provider GuardrailsProvider, executor *ActionExecutor, cfg EvaluatorConfig, content string, logger *zap.Logger) (ResolvedAction, error) {
	if content == "" {
		return ResolvedAction{Kind: ActionAllow}, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verdict, err := evaluateWithRetry(evalCtx, provider, content, cfg.Retry)
	if err != nil {
		onError := cfg.OnError
		if errors.Is(err, context.DeadlineExceeded) && cfg.OnTimeout != "" {
			onError = cfg.OnTimeout
		}
		return onProviderError(onError, provider.Name(), err, logger)
	}

	return executor.Resolve(content, verdict), nil
}

func evaluateWithRetry(ctx context.Context, provider GuardrailsProvider, content string, retry RetryPolicy) (ProviderVerdict, error) {
	delay := retry.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < retry.attempts(); attempt++ {
		verdict, err := provider.Evaluate(ctx, content)
		if err == nil {
			return verdict, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ProviderVerdict{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return ProviderVerdict{}, lastErr
}

func onProviderError(policy OnErrorPolicy, name string, err error, logger *zap.Logger) (ResolvedAction, error) {
	switch policy {
	case OnErrorAllow:
		return ResolvedAction{Kind: ActionAllow}, nil
	case OnErrorLogAndAllow:
		logger.Warn("guardrails provider error, allowing", zap.String("provider", name), zap.Error(err))
		return ResolvedAction{Kind: ActionAllow}, nil
	default:
		return ResolvedAction{}, &GuardrailError{GuardrailName: name, Reason: "provider error: " + err.Error(), Blocked: true}
	}
}
