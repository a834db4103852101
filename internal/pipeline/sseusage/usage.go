// Package sseusage extracts token usage from the trailing Server-Sent
// Event frame a streamed chat completion emits once generation finishes.
// Streaming responses don't carry a final token count until this frame
// arrives, so reconciliation against a streamed response's real cost
// can't happen until it's been scanned out of the body.
package sseusage

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024

// Usage is the token accounting an OpenAI-style usage frame carries.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Parse extracts Usage from a single SSE data payload, e.g.
// `{"id":"...","usage":{"prompt_tokens":12,"completion_tokens":4}}`.
// It returns ok=false when the frame carries no usage object.
func Parse(frame string) (Usage, bool) {
	frame = strings.TrimSpace(frame)
	if frame == "" || frame == "[DONE]" {
		return Usage{}, false
	}

	var envelope struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(frame), &envelope); err != nil || envelope.Usage == nil {
		return Usage{}, false
	}
	return *envelope.Usage, true
}

// ScanTrailing reads every SSE event in r and returns the Usage carried by
// the last data frame that has one. Providers emit usage only on the final
// chunk before "[DONE]", so later frames always win over earlier ones.
func ScanTrailing(r io.Reader) (Usage, bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	var last Usage
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if usage, ok := Parse(data); ok {
			last = usage
			found = true
		}
	}
	return last, found
}
