package guardrails

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/config"
)

// BuildProviders constructs every configured GuardrailsProvider, keyed by
// name, so input/output stage config can reference one by name.
func BuildProviders(cfgs []config.GuardrailProviderConfig) (map[string]GuardrailsProvider, error) {
	providers := make(map[string]GuardrailsProvider, len(cfgs))
	for _, c := range cfgs {
		p, err := BuildProvider(GuardrailProviderSpec{
			Name:     c.Name,
			Type:     c.Type,
			Endpoint: c.Endpoint,
			APIKey:   c.APIKey,
			Options:  c.Options,
		})
		if err != nil {
			return nil, fmt.Errorf("building guardrails provider %s: %w", c.Name, err)
		}
		providers[c.Name] = p
	}
	return providers, nil
}

// BuildInputGuardrails builds the InputGuardrails evaluator for stage,
// resolving its provider from providers by stage.Provider. Returns nil,
// nil when the stage is disabled or names no provider, so callers can
// treat a nil *InputGuardrails as "no input check configured".
func BuildInputGuardrails(stage config.GuardrailStageConfig, providers map[string]GuardrailsProvider, logger *zap.Logger) (*InputGuardrails, error) {
	if !stage.Enabled || stage.Provider == "" {
		return nil, nil
	}
	provider, ok := providers[stage.Provider]
	if !ok {
		return nil, fmt.Errorf("input guardrails stage references unknown provider %q", stage.Provider)
	}
	return NewInputGuardrails(provider, evaluatorConfigFromStage(stage), logger), nil
}

// BuildOutputGuardrails mirrors BuildInputGuardrails for the output
// stage, except output has no on_timeout override since the spec only
// gives input guardrails a distinct timeout action.
func BuildOutputGuardrails(stage config.GuardrailStageConfig, providers map[string]GuardrailsProvider, logger *zap.Logger) (*OutputGuardrails, error) {
	if !stage.Enabled || stage.Provider == "" {
		return nil, nil
	}
	provider, ok := providers[stage.Provider]
	if !ok {
		return nil, fmt.Errorf("output guardrails stage references unknown provider %q", stage.Provider)
	}
	cfg := evaluatorConfigFromStage(stage)
	cfg.OnTimeout = ""
	return NewOutputGuardrails(provider, cfg, logger), nil
}

func evaluatorConfigFromStage(stage config.GuardrailStageConfig) EvaluatorConfig {
	return EvaluatorConfig{
		Timeout: stage.Timeout,
		Retry: RetryPolicy{
			MaxAttempts: stage.RetryMaxAttempts,
			BaseDelay:   stage.RetryBaseDelay,
		},
		OnError:   parseOnErrorPolicy(stage.OnError),
		OnTimeout: parseOnErrorPolicy(stage.OnTimeout),
		Policy:    DefaultActionPolicy(),
	}
}

func parseOnErrorPolicy(s string) OnErrorPolicy {
	switch s {
	case string(OnErrorAllow):
		return OnErrorAllow
	case string(OnErrorLogAndAllow):
		return OnErrorLogAndAllow
	case string(OnErrorBlock):
		return OnErrorBlock
	default:
		return ""
	}
}
