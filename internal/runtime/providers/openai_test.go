package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentrun/internal/runtime"
)

func TestConvertOpenAIMessages(t *testing.T) {
	content := "tool output"
	assistantText := "thinking"
	messages := []runtime.Message{
		runtime.TextMessage(runtime.RoleSystem, "be helpful"),
		runtime.TextMessage(runtime.RoleUser, "do it"),
		{
			Role:    runtime.RoleAssistant,
			Content: &assistantText,
			ToolCalls: []runtime.ToolCall{{
				CallID:       "c1",
				Name:         "exec",
				RawArguments: `{"argv":["ls"]}`,
			}},
		},
		{Role: runtime.RoleTool, Content: &content, ToolCallID: "c1"},
	}

	out := convertOpenAIMessages(messages)
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be helpful" {
		t.Errorf("system message = %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	if out[2].ToolCalls[0].Function.Arguments != `{"argv":["ls"]}` {
		t.Errorf("arguments = %q", out[2].ToolCalls[0].Function.Arguments)
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", out[3])
	}
}

func TestConvertOpenAIMessages_MarshalsParsedArgs(t *testing.T) {
	messages := []runtime.Message{{
		Role: runtime.RoleAssistant,
		ToolCalls: []runtime.ToolCall{{
			CallID: "c1",
			Name:   "exec",
			Args:   map[string]any{"argv": []any{"ls"}},
		}},
	}}
	out := convertOpenAIMessages(messages)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out[0].ToolCalls[0].Function.Arguments), &decoded); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if _, ok := decoded["argv"]; !ok {
		t.Errorf("argv missing from marshaled args: %v", decoded)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	specs := []runtime.ToolSpec{{
		Name:        "file_write",
		Description: "write a file",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
	}}
	out := convertOpenAITools(specs)
	if len(out) != 1 {
		t.Fatalf("got %d tools", len(out))
	}
	if out[0].Type != openai.ToolTypeFunction || out[0].Function.Name != "file_write" {
		t.Errorf("tool = %+v", out[0])
	}
}

func TestWrapOpenAIError_ContextLength(t *testing.T) {
	err := wrapOpenAIError(&openai.APIError{
		Code:           "context_length_exceeded",
		Message:        "maximum context length exceeded",
		HTTPStatusCode: 400,
	})
	classified := runtime.ClassifyLLMError(err)
	if classified.ErrorKind != runtime.RunErrorContextLengthExceeded {
		t.Errorf("ErrorKind = %s, want context_length_exceeded", classified.ErrorKind)
	}
}

func TestWrapOpenAIError_RateLimit(t *testing.T) {
	err := wrapOpenAIError(&openai.APIError{
		Code:           "rate_limit_exceeded",
		Message:        "slow down",
		HTTPStatusCode: 429,
	})
	classified := runtime.ClassifyLLMError(err)
	if classified.ErrorKind != runtime.RunErrorRateLimited {
		t.Errorf("ErrorKind = %s, want rate_limited", classified.ErrorKind)
	}
}

func TestNewOpenAIBackend_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIBackend(""); err == nil {
		t.Error("empty key should be a config error")
	}
}
