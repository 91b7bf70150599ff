package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChatStreamEventType enumerates the LLM backend's streaming event kinds.
type ChatStreamEventType string

const (
	StreamTextDelta ChatStreamEventType = "text_delta"
	StreamToolCalls ChatStreamEventType = "tool_calls"
	StreamCompleted ChatStreamEventType = "completed"
)

// StreamToolCallDelta is one tool-call fragment from the model. Arguments
// may arrive as partial JSON accumulated across deltas; the loop assembles
// per CallID and parses once on completed(tool_calls).
type StreamToolCallDelta struct {
	CallID    string
	Name      string
	Arguments string
}

// ChatStreamEvent is a single event from a streaming chat completion.
// A backend terminates the channel after sending an event with Err set.
type ChatStreamEvent struct {
	Type         ChatStreamEventType
	Text         string
	ToolCalls    []StreamToolCallDelta
	FinishReason string
	Err          error
}

// ChatRequest is the request handed to an LLM backend.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// LLMBackend is the single-method transport contract: one streaming chat
// completion per call. Concrete adapters live in the providers package.
type LLMBackend interface {
	StreamChat(ctx context.Context, req *ChatRequest) (<-chan ChatStreamEvent, error)
}

// ApprovalProvider resolves approval requests. The core never passes secret
// values in request.Details.
type ApprovalProvider interface {
	RequestApproval(ctx context.Context, req ApprovalRequest, timeout time.Duration) (ApprovalDecision, error)
}

// HumanRequest is a question for the human-I/O provider.
type HumanRequest struct {
	CallID   string
	Question string
	Choices  []string
	Secret   bool
}

// HumanIO is the human-in-the-loop contract: ask a question, await an
// answer.
type HumanIO interface {
	Ask(ctx context.Context, req HumanRequest) (string, error)
}

// RunStatus is the terminal disposition of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// RunResult is returned from Agent.Run. WALLocator is an absolute
// filesystem path for the JSONL backend, a wal:// URI otherwise;
// EventsPath is a back-compat alias of the same value.
type RunResult struct {
	Status      RunStatus      `json:"status"`
	FinalOutput string         `json:"final_output"`
	WALLocator  string         `json:"wal_locator"`
	EventsPath  string         `json:"events_path,omitempty"`
	Artifacts   []string       `json:"artifacts,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       *RunError      `json:"-"`
}

// toolCallAccumulator assembles streamed tool-call fragments per call_id,
// preserving first-seen order. Arguments are concatenated raw and parsed
// exactly once, when the stream's completed event arrives; the finish
// reason is not checked.
type toolCallAccumulator struct {
	order []string
	calls map[string]*pendingToolCall
}

type pendingToolCall struct {
	callID string
	name   string
	args   strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[string]*pendingToolCall)}
}

func (a *toolCallAccumulator) add(delta StreamToolCallDelta) {
	pending, ok := a.calls[delta.CallID]
	if !ok {
		pending = &pendingToolCall{callID: delta.CallID}
		a.calls[delta.CallID] = pending
		a.order = append(a.order, delta.CallID)
	}
	if delta.Name != "" {
		pending.name = delta.Name
	}
	pending.args.WriteString(delta.Arguments)
}

func (a *toolCallAccumulator) empty() bool { return len(a.order) == 0 }

// finalize parses each accumulated call's raw arguments. Calls whose
// arguments do not parse keep RawArguments set and empty Args so the
// Dispatcher can fail them closed with error_kind=validation.
func (a *toolCallAccumulator) finalize() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		pending := a.calls[id]
		raw := pending.args.String()
		call := ToolCall{CallID: id, Name: pending.name, RawArguments: raw}
		if raw != "" {
			call.Args = parseArgsLenient(raw)
		}
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		out = append(out, call)
	}
	return out
}

// parseArgsLenient parses a raw tool-call argument string, returning nil on
// malformed JSON; the Dispatcher re-checks RawArguments and fails closed.
func parseArgsLenient(raw string) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	return parsed
}

func newRunID() string  { return uuid.NewString() }
func newCallID() string { return "tc_" + uuid.NewString() }
