package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Violation is one policy violation a GuardrailsProvider detected in a
// single piece of content.
type Violation struct {
	Category   string
	Severity   string
	Confidence float64
	Message    string
}

// ProviderVerdict is what a GuardrailsProvider returns for one evaluation.
type ProviderVerdict struct {
	Passed     bool
	Violations []Violation
	LatencyMs  int64
}

// GuardrailsProvider evaluates a single piece of content - a request's
// prompt or a response's completion - and reports any policy violations.
// Moderation APIs, cloud content-safety services, regex PII matchers,
// blocklists, length limits, and generic HTTP custom endpoints all
// implement this the same way, so InputGuardrails/OutputGuardrails never
// need to know which kind they were configured with.
type GuardrailsProvider interface {
	Name() string
	Evaluate(ctx context.Context, content string) (ProviderVerdict, error)
}

// BuildProvider constructs a GuardrailsProvider from configuration. Known
// types are "regex", "blocklist", "length", and "http"; anything else is
// an error at startup rather than a silently-disabled guardrail.
func BuildProvider(cfg GuardrailProviderSpec) (GuardrailsProvider, error) {
	switch cfg.Type {
	case "regex":
		return NewRegexProvider(cfg.Name, cfg.Options)
	case "blocklist":
		return NewBlocklistProvider(cfg.Name, cfg.Options)
	case "length":
		return NewLengthProvider(cfg.Name, cfg.Options)
	case "http":
		return NewHTTPProvider(cfg.Name, cfg.Endpoint, cfg.APIKey, cfg.Options), nil
	default:
		return nil, fmt.Errorf("unsupported guardrails provider type %q", cfg.Type)
	}
}

// GuardrailProviderSpec is the provider-construction shape BuildProvider
// consumes; it mirrors config.GuardrailProviderConfig without importing
// the config package, keeping this package config-agnostic.
type GuardrailProviderSpec struct {
	Name     string
	Type     string
	Endpoint string
	APIKey   string
	Options  map[string]string
}

// RegexProvider flags content matching any of a set of compiled patterns,
// e.g. SSNs, credit card numbers, API key shapes. Each pattern is its own
// violation category so the action policy can treat them differently.
type RegexProvider struct {
	name     string
	patterns map[string]*regexp.Regexp
	severity string
}

// NewRegexProvider builds a RegexProvider from options. Each key/value
// pair in opts.patterns-prefixed options becomes one named pattern; the
// conventional config shape is options["pattern.<category>"] = "<regex>".
func NewRegexProvider(name string, opts map[string]string) (*RegexProvider, error) {
	p := &RegexProvider{name: name, patterns: make(map[string]*regexp.Regexp), severity: "high"}
	if sev, ok := opts["severity"]; ok && sev != "" {
		p.severity = sev
	}
	for k, v := range opts {
		category, ok := strings.CutPrefix(k, "pattern.")
		if !ok {
			continue
		}
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q for guardrail %s: %w", category, name, err)
		}
		p.patterns[category] = re
	}
	return p, nil
}

func (p *RegexProvider) Name() string { return p.name }

func (p *RegexProvider) Evaluate(_ context.Context, content string) (ProviderVerdict, error) {
	start := time.Now()
	var violations []Violation
	for category, re := range p.patterns {
		if re.MatchString(content) {
			violations = append(violations, Violation{
				Category:   category,
				Severity:   p.severity,
				Confidence: 1.0,
				Message:    fmt.Sprintf("content matches %s pattern", category),
			})
		}
	}
	return ProviderVerdict{
		Passed:     len(violations) == 0,
		Violations: violations,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// BlocklistProvider flags content containing any of a fixed set of terms,
// matched case-insensitively as whole words are not required (substring
// match), which is deliberately conservative for a blocklist.
type BlocklistProvider struct {
	name     string
	terms    []string
	severity string
}

func NewBlocklistProvider(name string, opts map[string]string) (*BlocklistProvider, error) {
	p := &BlocklistProvider{name: name, severity: "medium"}
	if sev, ok := opts["severity"]; ok && sev != "" {
		p.severity = sev
	}
	if terms, ok := opts["terms"]; ok && terms != "" {
		for _, t := range strings.Split(terms, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.terms = append(p.terms, strings.ToLower(t))
			}
		}
	}
	return p, nil
}

func (p *BlocklistProvider) Name() string { return p.name }

func (p *BlocklistProvider) Evaluate(_ context.Context, content string) (ProviderVerdict, error) {
	start := time.Now()
	lower := strings.ToLower(content)
	var violations []Violation
	for _, term := range p.terms {
		if strings.Contains(lower, term) {
			violations = append(violations, Violation{
				Category:   "blocklist",
				Severity:   p.severity,
				Confidence: 1.0,
				Message:    fmt.Sprintf("content contains blocked term %q", term),
			})
		}
	}
	return ProviderVerdict{
		Passed:     len(violations) == 0,
		Violations: violations,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// LengthProvider flags content over a configured character limit, a
// cheap guard against prompt-stuffing or runaway completions.
type LengthProvider struct {
	name      string
	maxChars  int
	severity  string
}

func NewLengthProvider(name string, opts map[string]string) (*LengthProvider, error) {
	p := &LengthProvider{name: name, maxChars: 32_000, severity: "low"}
	if sev, ok := opts["severity"]; ok && sev != "" {
		p.severity = sev
	}
	if max, ok := opts["max_chars"]; ok && max != "" {
		var n int
		if _, err := fmt.Sscanf(max, "%d", &n); err == nil && n > 0 {
			p.maxChars = n
		}
	}
	return p, nil
}

func (p *LengthProvider) Name() string { return p.name }

func (p *LengthProvider) Evaluate(_ context.Context, content string) (ProviderVerdict, error) {
	start := time.Now()
	if len(content) <= p.maxChars {
		return ProviderVerdict{Passed: true, LatencyMs: time.Since(start).Milliseconds()}, nil
	}
	return ProviderVerdict{
		Passed: false,
		Violations: []Violation{{
			Category:   "length",
			Severity:   p.severity,
			Confidence: 1.0,
			Message:    fmt.Sprintf("content length %d exceeds limit %d", len(content), p.maxChars),
		}},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// HTTPProvider calls a generic external moderation endpoint (a cloud
// content-safety API, a custom in-house moderation service) with the
// content as JSON and interprets its {passed, violations[]} response.
// This is the adapter real moderation APIs and cloud content-safety
// services plug in through, without this package depending on any
// specific vendor's SDK.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPProvider(name, endpoint, apiKey string, opts map[string]string) *HTTPProvider {
	timeout := 5 * time.Second
	if t, ok := opts["timeout"]; ok && t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type httpProviderRequest struct {
	Content string `json:"content"`
}

type httpProviderResponse struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
}

func (p *HTTPProvider) Evaluate(ctx context.Context, content string) (ProviderVerdict, error) {
	start := time.Now()

	body, err := json.Marshal(httpProviderRequest{Content: content})
	if err != nil {
		return ProviderVerdict{}, fmt.Errorf("marshaling guardrails request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return ProviderVerdict{}, fmt.Errorf("building guardrails request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProviderVerdict{}, &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ProviderVerdict{}, &RetryableError{Err: fmt.Errorf("guardrails provider %s returned status %d", p.name, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return ProviderVerdict{}, fmt.Errorf("guardrails provider %s returned status %d", p.name, resp.StatusCode)
	}

	var out httpProviderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ProviderVerdict{}, fmt.Errorf("decoding guardrails response from %s: %w", p.name, err)
	}

	return ProviderVerdict{
		Passed:     out.Passed,
		Violations: out.Violations,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
