package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentrun/internal/runtime"
)

// OpenAIBackend adapts OpenAI-compatible chat completion streaming to the
// runtime's LLMBackend contract.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend creates a backend for the given API key. An empty key
// is a config_error: the loop treats a misconfigured backend as fail-fast.
func NewOpenAIBackend(apiKey string) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, &runtime.RunError{
			ErrorKind: runtime.RunErrorConfig,
			Message:   "openai api key is required",
		}
	}
	return &OpenAIBackend{client: openai.NewClient(apiKey)}, nil
}

// NewOpenAIBackendWithConfig creates a backend against a custom endpoint
// (proxies, compatible servers).
func NewOpenAIBackendWithConfig(cfg openai.ClientConfig) *OpenAIBackend {
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg)}
}

// StreamChat implements runtime.LLMBackend.
func (b *OpenAIBackend) StreamChat(ctx context.Context, req *runtime.ChatRequest) (<-chan runtime.ChatStreamEvent, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	events := make(chan runtime.ChatStreamEvent)
	go b.processStream(ctx, stream, events)
	return events, nil
}

func (b *OpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- runtime.ChatStreamEvent) {
	defer close(events)
	defer stream.Close()

	// call_id per stream index: later fragments omit the id.
	callIDs := make(map[int]string)
	sawToolCalls := false

	for {
		select {
		case <-ctx.Done():
			events <- runtime.ChatStreamEvent{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish := "stop"
				if sawToolCalls {
					finish = "tool_calls"
				}
				events <- runtime.ChatStreamEvent{Type: runtime.StreamCompleted, FinishReason: finish}
				return
			}
			events <- runtime.ChatStreamEvent{Err: wrapOpenAIError(err)}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			events <- runtime.ChatStreamEvent{Type: runtime.StreamTextDelta, Text: choice.Delta.Content}
		}

		if len(choice.Delta.ToolCalls) > 0 {
			deltas := make([]runtime.StreamToolCallDelta, 0, len(choice.Delta.ToolCalls))
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				if tc.ID != "" {
					callIDs[index] = tc.ID
				}
				deltas = append(deltas, runtime.StreamToolCallDelta{
					CallID:    callIDs[index],
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			sawToolCalls = true
			events <- runtime.ChatStreamEvent{Type: runtime.StreamToolCalls, ToolCalls: deltas}
		}

		if choice.FinishReason == openai.FinishReasonStop || choice.FinishReason == openai.FinishReasonToolCalls {
			events <- runtime.ChatStreamEvent{
				Type:         runtime.StreamCompleted,
				FinishReason: string(choice.FinishReason),
			}
			return
		}
	}
}

func convertOpenAIMessages(messages []runtime.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oai := openai.ChatCompletionMessage{Role: string(msg.Role)}
		if msg.Content != nil {
			oai.Content = *msg.Content
		}
		if msg.Role == runtime.RoleTool {
			oai.ToolCallID = msg.ToolCallID
		}
		for _, call := range msg.ToolCalls {
			args := call.RawArguments
			if args == "" {
				encoded, err := json.Marshal(call.Args)
				if err == nil {
					args = string(encoded)
				}
			}
			oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
				ID:   call.CallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, oai)
	}
	return out
}

func convertOpenAITools(specs []runtime.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params, err := json.Marshal(spec.Parameters)
		if err != nil {
			params = []byte(`{"type":"object"}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}

// wrapOpenAIError classifies go-openai SDK errors into the runtime's
// transport error types.
func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		switch c := apiErr.Code.(type) {
		case string:
			code = c
		case fmt.Stringer:
			code = c.String()
		}
		if isContextLengthMessage(code, apiErr.Message) {
			return fmt.Errorf("%s: %w", apiErr.Message, runtime.ErrContextLengthExceeded)
		}
		return wrapStatusError(apiErr.HTTPStatusCode, "", apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return wrapStatusError(reqErr.HTTPStatusCode, "", reqErr.Error(), err)
	}

	return err
}
