package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tool outputs in a compaction transcript are clipped to this many
// characters. The exact ratios are a heuristic, deliberately a constant
// rather than configuration.
const compactionToolClipChars = 800

// compactionSystemPrompt / compactionUserPromptTemplate are the fixed
// prompt pair driving a compaction turn: the model produces a structured
// handoff summary with any apparent secrets replaced by <redacted>. Tools
// are disabled for this turn.
const compactionSystemPrompt = `你是一个“对话压缩器（Conversation Compactor）”。

你的任务是把给定的对话记录压缩成一段可用于“继续工作”的 handoff 摘要。

硬性约束：
- 不要输出任何密钥、token、密码、私钥等敏感信息；若对话中出现，请用 <redacted> 替代。
- 不要编造不存在的事实；不确定的内容明确标注“不确定/待确认”。
- 输出必须结构化、可执行，方便另一个 agent/人类接手继续推进。`

const compactionUserPromptTemplate = `请根据下面的“任务描述”和“对话节选”，生成一段 handoff 摘要。

任务描述：
%s

对话节选（可能不完整；请以可见内容为准）：
%s

输出格式（Markdown）：
1) 目标/范围（Goal/Scope）
2) 已完成进展（Progress）
3) 关键决策与理由（Key Decisions）
4) 当前状态/阻塞点（Current State / Blockers）
5) 下一步建议（Next Steps）
6) 风险与注意事项（Risks / Notes）

再次提醒：不要泄露 secrets；遇到疑似敏感值用 <redacted>。`

// compactionSummaryPrefix is prepended to the summary message that
// replaces history after a compaction.
const compactionSummaryPrefix = `[对话压缩摘要｜handoff]
说明：这是一次上下文压缩生成的摘要，用于继续推进任务；可能遗漏细节。
`

// recoverContextLength handles a context_length_exceeded signal from the
// LLM backend per the run's ContextRecoveryMode. A nil return means
// history was compacted and the loop should continue; a non-nil return is
// the run's terminal result.
func (a *Agent) recoverContextLength(ctx context.Context, st *runState, model string) *RunResult {
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventContextLengthExceeded,
		RunID: st.rc.RunID,
	})

	mode := st.rc.Limits.ContextRecoveryMode
	if mode == RecoveryAskFirst && a.HumanIO == nil {
		mode = st.rc.Limits.AskFirstFallbackMode
		if mode == "" {
			mode = RecoveryCompactFirst
		}
	}

	switch mode {
	case RecoveryCompactFirst:
		return a.compactOrFail(ctx, st, model)
	case RecoveryAskFirst:
		return a.askBeforeCompacting(ctx, st, model)
	default:
		return a.finishFailed(ctx, st, &RunError{
			ErrorKind: RunErrorContextLengthExceeded,
			Message:   "context length exceeded",
		})
	}
}

// compactOrFail runs one compaction turn unless the compaction budget is
// spent, in which case the run terminates as fail_fast would.
func (a *Agent) compactOrFail(ctx context.Context, st *runState, model string) *RunResult {
	if st.rc.CompactionsPerformed >= st.rc.Limits.MaxCompactionsPerRun {
		return a.finishFailed(ctx, st, &RunError{
			ErrorKind: RunErrorContextLengthExceeded,
			Message:   fmt.Sprintf("context length exceeded after %d compaction(s)", st.rc.CompactionsPerformed),
		})
	}

	summary, runErr := a.compactionTurn(ctx, st, model)
	if runErr != nil {
		return a.finishFailed(ctx, st, runErr)
	}

	artifactPath, err := a.writeArtifact(st.rc, "compaction", summary)
	if err != nil {
		a.Logger.Warn("failed to write compaction artifact", "error", err, "run_id", st.rc.RunID)
	}

	st.rc.History = []Message{TextMessage(RoleAssistant, compactionSummaryPrefix+summary)}
	st.rc.CompactionsPerformed++
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventContextCompacted,
		RunID: st.rc.RunID,
		Payload: map[string]any{
			"count":         st.rc.CompactionsPerformed,
			"artifact_path": artifactPath,
		},
	})
	return nil
}

// askBeforeCompacting emits a human_request offering compact vs
// handoff_new_run. A handoff choice writes the summary as an artifact and
// completes the run with metadata.handoff.artifact_path.
func (a *Agent) askBeforeCompacting(ctx context.Context, st *runState, model string) *RunResult {
	callID := newCallID()
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventHumanRequest,
		RunID: st.rc.RunID,
		Payload: map[string]any{
			"call_id":  callID,
			"question": "The conversation exceeded the model's context window. Compact history and continue, or hand off to a new run?",
			"choices":  []string{"compact", "handoff_new_run"},
		},
	})

	answer, err := a.HumanIO.Ask(ctx, HumanRequest{
		CallID:   callID,
		Question: "The conversation exceeded the model's context window. Compact history and continue, or hand off to a new run?",
		Choices:  []string{"compact", "handoff_new_run"},
	})
	if err != nil {
		answer = "compact"
	}
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventHumanResponse,
		RunID: st.rc.RunID,
		Payload: map[string]any{
			"call_id": callID,
			"answer":  answer,
		},
	})

	if answer != "handoff_new_run" {
		return a.compactOrFail(ctx, st, model)
	}

	summary, runErr := a.compactionTurn(ctx, st, model)
	if runErr != nil {
		return a.finishFailed(ctx, st, runErr)
	}
	artifactPath, err := a.writeArtifact(st.rc, "handoff", summary)
	if err != nil {
		return a.finishFailed(ctx, st, &RunError{ErrorKind: RunErrorUnknown, Message: err.Error(), Cause: err})
	}

	return a.finishCompletedMeta(ctx, st, summary, map[string]any{
		"handoff": map[string]any{"artifact_path": artifactPath},
	})
}

// compactionTurn asks the model, with tools disabled, for the structured
// handoff summary over a formatted transcript, and sanity-checks that the
// reply is substantive rather than a refusal or an empty acknowledgement.
func (a *Agent) compactionTurn(ctx context.Context, st *runState, model string) (string, *RunError) {
	transcript := formatHistoryForCompaction(st.rc.History, st.rc.Limits.CompactionHistoryMaxChars, st.rc.Limits.CompactionKeepLastMessages)

	messages := []Message{
		TextMessage(RoleSystem, compactionSystemPrompt),
		TextMessage(RoleUser, fmt.Sprintf(compactionUserPromptTemplate, strings.TrimSpace(st.task), transcript)),
	}

	turnID := fmt.Sprintf("turn_%d", st.controller.NextTurn())
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:   EventLLMRequestStarted,
		RunID:  st.rc.RunID,
		TurnID: turnID,
		Payload: map[string]any{
			"messages_count": len(messages),
			"tools_count":    0,
			"model":          model,
		},
	})

	text, _, runErr, cancelled, _ := a.consumeStream(ctx, st, model, turnID, messages, nil)
	if cancelled {
		return "", &RunError{ErrorKind: RunErrorUnknown, Message: "cancelled during compaction"}
	}
	if runErr != nil {
		return "", runErr
	}
	if !isSubstantiveSummary(text) {
		return "", &RunError{
			ErrorKind: RunErrorContextLengthExceeded,
			Message:   "compaction turn did not produce a handoff summary",
		}
	}
	return text, nil
}

// isSubstantiveSummary rejects empty or refusal-shaped compaction replies
// before history is replaced with them.
func isSubstantiveSummary(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 20 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, refusal := range []string{"i cannot", "i can't", "unable to", "no_reply"} {
		if strings.HasPrefix(lower, refusal) {
			return false
		}
	}
	return true
}

// formatHistoryForCompaction renders history as the compaction turn's
// transcript: the last keepLast user/assistant messages verbatim (earlier
// ones dropped), every tool message summarized down to its ok/error_kind
// header plus clipped stdout/stderr windows, the whole joined transcript
// middle-clipped to maxChars.
func formatHistoryForCompaction(history []Message, maxChars, keepLast int) string {
	if maxChars <= 0 {
		maxChars = DefaultRunLimits().CompactionHistoryMaxChars
	}

	// Index of the first user/assistant message kept verbatim, counted
	// from the tail.
	verbatimFrom := len(history)
	kept := 0
	for i := len(history) - 1; i >= 0 && kept < keepLast; i-- {
		if history[i].Role == RoleUser || history[i].Role == RoleAssistant {
			verbatimFrom = i
			kept++
		}
	}

	var blocks []string
	for i, msg := range history {
		switch msg.Role {
		case RoleUser, RoleAssistant:
			if i < verbatimFrom {
				continue
			}
			if msg.Content == nil || strings.TrimSpace(*msg.Content) == "" {
				continue
			}
			blocks = append(blocks, strings.ToUpper(string(msg.Role))+":\n"+strings.TrimSpace(*msg.Content))
		case RoleTool:
			if msg.Content == nil || strings.TrimSpace(*msg.Content) == "" {
				continue
			}
			blocks = append(blocks, formatToolBlock(msg))
		}
	}

	transcript := strings.TrimSpace(strings.Join(blocks, "\n\n---\n\n"))
	return clipTextMiddle(transcript, maxChars)
}

// formatToolBlock summarizes one tool message for the transcript: a header
// with tool_call_id/ok/error_kind, then clipped stdout/stderr (or the raw
// content when the payload does not parse).
func formatToolBlock(msg Message) string {
	raw := strings.TrimSpace(*msg.Content)
	okStr, errorKind := "null", "null"
	stdout, stderr := "", ""
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		if ok, isBool := obj["ok"].(bool); isBool {
			okStr = fmt.Sprintf("%t", ok)
		}
		if kind, isStr := obj["error_kind"].(string); isStr {
			errorKind = kind
		}
		stdout, _ = obj["stdout"].(string)
		stderr, _ = obj["stderr"].(string)
	}

	head := fmt.Sprintf("TOOL(tool_call_id=%s, ok=%s, error_kind=%s)", msg.ToolCallID, okStr, errorKind)
	var body []string
	if strings.TrimSpace(stdout) != "" {
		body = append(body, "stdout:\n"+clipTextMiddle(strings.TrimSpace(stdout), compactionToolClipChars))
	}
	if strings.TrimSpace(stderr) != "" {
		body = append(body, "stderr:\n"+clipTextMiddle(strings.TrimSpace(stderr), compactionToolClipChars))
	}
	if len(body) == 0 {
		body = append(body, clipTextMiddle(raw, compactionToolClipChars))
	}
	return head + "\n" + strings.Join(body, "\n")
}

// clipTextMiddle clips s to at most maxChars, preserving head and tail
// windows with an ellipsis between them.
func clipTextMiddle(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	if maxChars <= 50 {
		if maxChars <= 3 {
			return s[:maxChars]
		}
		return s[:maxChars-3] + "..."
	}
	head := maxChars / 3
	tail := maxChars - head - 5
	return s[:head] + "\n...\n" + s[len(s)-tail:]
}

// writeArtifact stores content as <NNN>_<kind>.md under the run's
// artifacts directory and returns the written path.
func (a *Agent) writeArtifact(rc *RunContext, kind, content string) (string, error) {
	if err := os.MkdirAll(rc.ArtifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts directory: %w", err)
	}
	entries, err := os.ReadDir(rc.ArtifactsDir)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%03d_%s.md", len(entries), kind)
	path := filepath.Join(rc.ArtifactsDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
