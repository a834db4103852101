package guardrails

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionExecutorResolveAllowsPassingVerdict(t *testing.T) {
	e := NewActionExecutor(DefaultActionPolicy())
	action := e.Resolve("hello", ProviderVerdict{Passed: true})
	assert.Equal(t, ActionAllow, action.Kind)
}

func TestActionExecutorResolveAllowsEmptyViolations(t *testing.T) {
	e := NewActionExecutor(DefaultActionPolicy())
	action := e.Resolve("hello", ProviderVerdict{Passed: false})
	assert.Equal(t, ActionAllow, action.Kind)
}

func TestActionExecutorResolveBlocksOnConfiguredSeverity(t *testing.T) {
	e := NewActionExecutor(ActionPolicy{BlockSeverities: map[string]bool{"critical": true}})
	verdict := ProviderVerdict{
		Violations: []Violation{{Category: "ssn", Severity: "critical", Message: "ssn detected"}},
	}
	action := e.Resolve("123-45-6789", verdict)
	assert.Equal(t, ActionBlock, action.Kind)
	assert.Contains(t, action.Reason, "ssn")
	assert.Equal(t, "123-45-6789", action.OriginalContent)
}

func TestActionExecutorResolveRedactsConfiguredCategory(t *testing.T) {
	e := NewActionExecutor(ActionPolicy{RedactCategories: map[string]bool{"email": true}})
	verdict := ProviderVerdict{
		Violations: []Violation{{Category: "email", Severity: "low", Message: "email detected"}},
	}
	action := e.Resolve("a@b.com", verdict)
	assert.Equal(t, ActionRedact, action.Kind)
	assert.Equal(t, "a@b.com", action.OriginalContent)
}

func TestActionExecutorResolveWarnsWhenNeitherBlockNorRedact(t *testing.T) {
	e := NewActionExecutor(ActionPolicy{BlockSeverities: map[string]bool{"critical": true}})
	verdict := ProviderVerdict{
		Violations: []Violation{{Category: "profanity", Severity: "medium", Message: "mild profanity"}},
	}
	action := e.Resolve("darn it", verdict)
	assert.Equal(t, ActionWarn, action.Kind)
	assert.Contains(t, action.Reason, "profanity")
}

func TestActionExecutorResolveBlockTakesPrecedenceOverRedact(t *testing.T) {
	e := NewActionExecutor(ActionPolicy{
		BlockSeverities:  map[string]bool{"critical": true},
		RedactCategories: map[string]bool{"email": true},
	})
	verdict := ProviderVerdict{
		Violations: []Violation{
			{Category: "email", Severity: "low", Message: "email detected"},
			{Category: "ssn", Severity: "critical", Message: "ssn detected"},
		},
	}
	action := e.Resolve("content", verdict)
	assert.Equal(t, ActionBlock, action.Kind)
}

func TestNewActionExecutorFallsBackToDefaultPolicyWhenEmpty(t *testing.T) {
	e := NewActionExecutor(ActionPolicy{})
	verdict := ProviderVerdict{
		Violations: []Violation{{Category: "x", Severity: "high", Message: "y"}},
	}
	action := e.Resolve("content", verdict)
	assert.Equal(t, ActionBlock, action.Kind)
}
