// Package providers ships the concrete LLM backend adapters satisfying the
// Agent Runtime Core's stream_chat contract: one for the Anthropic
// Messages API, one for OpenAI-compatible chat completions. Each adapter
// translates its SDK's native streaming events into the runtime's
// {text_delta, tool_calls, completed} taxonomy and classifies SDK errors
// into the runtime's transport taxonomy.
package providers

import (
	"strings"

	"github.com/haasonsaas/agentrun/internal/runtime"
)

// wrapStatusError lifts a provider HTTP failure into the runtime's
// HTTPStatusError so the loop can classify it exactly once (401/403 auth,
// 429 rate_limited with Retry-After, 5xx server_error, other 4xx
// http_error).
func wrapStatusError(status int, retryAfter, message string, cause error) error {
	return &runtime.HTTPStatusError{
		Status:     status,
		RetryAfter: retryAfter,
		Message:    message,
		Cause:      cause,
	}
}

// isContextLengthMessage recognizes provider context-window rejections
// from their error code or message text.
func isContextLengthMessage(code, message string) bool {
	code = strings.ToLower(code)
	if code == "context_length_exceeded" || code == "invalid_request_error" && strings.Contains(strings.ToLower(message), "context") {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "prompt is too long")
}
