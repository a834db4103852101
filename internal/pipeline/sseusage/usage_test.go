package sseusage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUsageFrame(t *testing.T) {
	usage, ok := Parse(`{"id":"1","usage":{"prompt_tokens":120,"completion_tokens":480,"total_tokens":600}}`)
	assert.True(t, ok)
	assert.Equal(t, Usage{PromptTokens: 120, CompletionTokens: 480, TotalTokens: 600}, usage)
}

func TestParseIgnoresFramesWithoutUsage(t *testing.T) {
	_, ok := Parse(`{"id":"1","choices":[{"delta":{"content":"hi"}}]}`)
	assert.False(t, ok)
}

func TestParseIgnoresDoneSentinel(t *testing.T) {
	_, ok := Parse("[DONE]")
	assert.False(t, ok)
}

func TestScanTrailingTakesLastUsageFrame(t *testing.T) {
	body := strings.Join([]string{
		`event: message`,
		`data: {"id":"1","choices":[{"delta":{"content":"hi"}}]}`,
		``,
		`data: {"id":"1","choices":[],"usage":{"prompt_tokens":100,"completion_tokens":200,"total_tokens":300}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	usage, ok := ScanTrailing(strings.NewReader(body))
	assert.True(t, ok)
	assert.Equal(t, int64(100), usage.PromptTokens)
	assert.Equal(t, int64(200), usage.CompletionTokens)
}

func TestScanTrailingNoUsage(t *testing.T) {
	_, ok := ScanTrailing(strings.NewReader("data: {\"id\":\"1\"}\n\n"))
	assert.False(t, ok)
}
