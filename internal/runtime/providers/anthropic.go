package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/agentrun/internal/runtime"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicBackend adapts the Anthropic Messages streaming API to the
// runtime's LLMBackend contract.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates a backend for the given API key.
func NewAnthropicBackend(apiKey string) (*AnthropicBackend, error) {
	if apiKey == "" {
		return nil, &runtime.RunError{
			ErrorKind: runtime.RunErrorConfig,
			Message:   "anthropic api key is required",
		}
	}
	return &AnthropicBackend{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

// StreamChat implements runtime.LLMBackend.
func (b *AnthropicBackend) StreamChat(ctx context.Context, req *runtime.ChatRequest) (<-chan runtime.ChatStreamEvent, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicMessages(req.Messages),
	}
	if system := collectSystemText(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	events := make(chan runtime.ChatStreamEvent)
	go processAnthropicStream(stream, events)
	return events, nil
}

// anthropicStream is the subset of the SDK stream the processor consumes,
// kept as an interface so tests can script it.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func processAnthropicStream(stream anthropicStream, events chan<- runtime.ChatStreamEvent) {
	defer close(events)

	var currentCallID, currentCallName string
	sawToolUse := false

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCallID = toolUse.ID
				currentCallName = toolUse.Name
				sawToolUse = true
				events <- runtime.ChatStreamEvent{
					Type: runtime.StreamToolCalls,
					ToolCalls: []runtime.StreamToolCallDelta{{
						CallID: currentCallID,
						Name:   currentCallName,
					}},
				}
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- runtime.ChatStreamEvent{Type: runtime.StreamTextDelta, Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && currentCallID != "" {
					events <- runtime.ChatStreamEvent{
						Type: runtime.StreamToolCalls,
						ToolCalls: []runtime.StreamToolCallDelta{{
							CallID:    currentCallID,
							Arguments: delta.PartialJSON,
						}},
					}
				}
			}
		case "content_block_stop":
			currentCallID, currentCallName = "", ""
		case "message_stop":
			finish := "stop"
			if sawToolUse {
				finish = "tool_calls"
			}
			events <- runtime.ChatStreamEvent{Type: runtime.StreamCompleted, FinishReason: finish}
			return
		case "error":
			events <- runtime.ChatStreamEvent{Err: wrapAnthropicError(fmt.Errorf("anthropic stream error"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- runtime.ChatStreamEvent{Err: wrapAnthropicError(err)}
		return
	}
	finish := "stop"
	if sawToolUse {
		finish = "tool_calls"
	}
	events <- runtime.ChatStreamEvent{Type: runtime.StreamCompleted, FinishReason: finish}
}

// collectSystemText joins system-role messages; the Anthropic API carries
// the system prompt outside the message list.
func collectSystemText(messages []runtime.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == runtime.RoleSystem && msg.Content != nil && *msg.Content != "" {
			parts = append(parts, *msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func convertAnthropicMessages(messages []runtime.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == runtime.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == runtime.RoleTool {
			text := ""
			if msg.Content != nil {
				text = *msg.Content
			}
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, text, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != nil && *msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(*msg.Content))
		}
		for _, call := range msg.ToolCalls {
			input := call.Args
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(call.CallID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == runtime.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertAnthropicTools(specs []runtime.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		encoded, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal schema for %s: %w", spec.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(encoded, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", spec.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", spec.Name)
		}
		toolParam.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, toolParam)
	}
	return out, nil
}

// wrapAnthropicError classifies Anthropic SDK errors into the runtime's
// transport error types, honoring Retry-After on 429s.
func wrapAnthropicError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := "anthropic request failed"
		code := ""
		var payload struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				message = payload.Error.Message
			}
			code = payload.Error.Type
		}
		if isContextLengthMessage(code, message) {
			return fmt.Errorf("%s: %w", message, runtime.ErrContextLengthExceeded)
		}
		retryAfter := ""
		if apiErr.Response != nil {
			retryAfter = apiErr.Response.Header.Get("Retry-After")
		}
		return wrapStatusError(apiErr.StatusCode, retryAfter, message, err)
	}
	return err
}
