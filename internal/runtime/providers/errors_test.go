package providers

import (
	"errors"
	"testing"

	"github.com/haasonsaas/agentrun/internal/runtime"
)

func TestWrapStatusError_ClassifiesThroughRuntime(t *testing.T) {
	tests := []struct {
		status int
		want   runtime.RunErrorKind
	}{
		{401, runtime.RunErrorAuth},
		{429, runtime.RunErrorRateLimited},
		{500, runtime.RunErrorServer},
		{404, runtime.RunErrorHTTP},
	}
	for _, tt := range tests {
		err := wrapStatusError(tt.status, "", "failed", errors.New("cause"))
		classified := runtime.ClassifyLLMError(err)
		if classified.ErrorKind != tt.want {
			t.Errorf("status %d classified as %s, want %s", tt.status, classified.ErrorKind, tt.want)
		}
	}
}

func TestWrapStatusError_RetryAfterSurvives(t *testing.T) {
	err := wrapStatusError(429, "3", "slow down", nil)
	classified := runtime.ClassifyLLMError(err)
	if classified.RetryAfterMs == nil || *classified.RetryAfterMs != 3000 {
		t.Errorf("RetryAfterMs = %v, want 3000", classified.RetryAfterMs)
	}
}

func TestIsContextLengthMessage(t *testing.T) {
	tests := []struct {
		code, message string
		want          bool
	}{
		{"context_length_exceeded", "", true},
		{"", "This model's maximum context length is 200000 tokens", true},
		{"", "prompt is too long: 210000 tokens", true},
		{"", "the context window was exceeded", true},
		{"rate_limit_error", "too many requests", false},
		{"", "internal server error", false},
	}
	for _, tt := range tests {
		if got := isContextLengthMessage(tt.code, tt.message); got != tt.want {
			t.Errorf("isContextLengthMessage(%q, %q) = %v, want %v", tt.code, tt.message, got, tt.want)
		}
	}
}
