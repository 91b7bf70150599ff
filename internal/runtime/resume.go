package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// resumeTailWindow bounds how many trailing events feed the resume
// summary's recent-tools digest.
const resumeTailWindow = 200

// resumeRecentToolsMax caps the recent_tools entries in a resume summary.
const resumeRecentToolsMax = 5

// resumeSummaryMaxChars bounds the synthetic summary message length.
const resumeSummaryMaxChars = 4096

// EventsAfterLastRunStarted slices events to the most recent lifecycle:
// everything after the last run_started (exclusive). With no run_started
// present, the full slice is returned. Replaying only the latest segment
// keeps a multiply-resumed run from re-injecting stale fragments.
func EventsAfterLastRunStarted(events []AgentEvent) []AgentEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventRunStarted {
			return events[i+1:]
		}
	}
	return events
}

// ReplayState is the reconstruction produced by RebuildResumeReplayState.
type ReplayState struct {
	History                []Message
	ApprovedForSessionKeys []string
	DeniedApprovalsByKey   map[string]int
}

// RebuildResumeReplayState rebuilds history and the approvals caches from
// a WAL prefix: each tool_call_finished becomes a tool message carrying
// the serialized result object, each run_completed final_output becomes an
// assistant message, and approval_decided events repopulate the session
// cache and the repeat-denial counters. Entries missing a call_id or a
// structured result are skipped rather than failing the whole replay.
func RebuildResumeReplayState(events []AgentEvent) (*ReplayState, error) {
	state := &ReplayState{DeniedApprovalsByKey: make(map[string]int)}

	for _, ev := range EventsAfterLastRunStarted(events) {
		switch ev.Type {
		case EventToolCallFinished:
			callID, _ := ev.Payload["call_id"].(string)
			if callID == "" {
				continue
			}
			result, ok := ev.Payload["result"].(map[string]any)
			if !ok {
				continue
			}
			content, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("marshal replayed tool result: %w", err)
			}
			text := string(content)
			state.History = append(state.History, Message{
				Role:       RoleTool,
				Content:    &text,
				ToolCallID: callID,
			})
		case EventRunCompleted:
			if finalOutput, ok := ev.Payload["final_output"].(string); ok && finalOutput != "" {
				state.History = append(state.History, TextMessage(RoleAssistant, finalOutput))
			}
		case EventApprovalDecided:
			key, _ := ev.Payload["approval_key"].(string)
			if key == "" {
				continue
			}
			switch decision, _ := ev.Payload["decision"].(string); decision {
			case string(ApprovalApprovedForSession):
				state.ApprovedForSessionKeys = append(state.ApprovedForSessionKeys, key)
			case string(ApprovalDenied):
				state.DeniedApprovalsByKey[key]++
			}
		}
	}
	return state, nil
}

// BuildResumeSummary condenses a prior lifecycle into a single synthetic
// assistant message: previous task, event count, terminal disposition, and
// up to five recent tool outcomes drawn from the tail window.
func BuildResumeSummary(events []AgentEvent) Message {
	tail := events
	if len(tail) > resumeTailWindow {
		tail = tail[len(tail)-resumeTailWindow:]
	}

	var lastRunStarted, lastTerminal *AgentEvent
	var recentTools []AgentEvent
	for i := len(tail) - 1; i >= 0; i-- {
		ev := tail[i]
		switch ev.Type {
		case EventRunStarted:
			if lastRunStarted == nil {
				lastRunStarted = &tail[i]
			}
		case EventRunCompleted, EventRunFailed, EventRunCancelled:
			if lastTerminal == nil {
				lastTerminal = &tail[i]
			}
		case EventToolCallFinished:
			if len(recentTools) < resumeRecentToolsMax {
				recentTools = append(recentTools, ev)
			}
		}
	}

	prevTask := ""
	if lastRunStarted != nil {
		prevTask, _ = lastRunStarted.Payload["task"].(string)
	}

	terminalType := "unknown"
	terminalText := ""
	if lastTerminal != nil {
		terminalType = string(lastTerminal.Type)
		if lastTerminal.Type == EventRunCompleted {
			terminalText, _ = lastTerminal.Payload["final_output"].(string)
		} else {
			terminalText, _ = lastTerminal.Payload["message"].(string)
		}
	}

	lines := []string{"[Resume Summary]"}
	if prevTask != "" {
		lines = append(lines, "previous_task: "+prevTask)
	}
	lines = append(lines, fmt.Sprintf("previous_events: %d", len(events)))
	lines = append(lines, "previous_terminal: "+terminalType)
	if terminalText != "" {
		lines = append(lines, "previous_terminal_text: "+terminalText)
	}
	if len(recentTools) > 0 {
		lines = append(lines, "recent_tools:")
		// Restore chronological order after the reverse scan.
		for i := len(recentTools) - 1; i >= 0; i-- {
			ev := recentTools[i]
			// Prefer payload.tool; fall back to payload.name for WALs
			// written by older writers.
			tool, _ := ev.Payload["tool"].(string)
			if tool == "" {
				tool, _ = ev.Payload["name"].(string)
			}
			if tool == "" {
				tool = "unknown_tool"
			}
			ok := false
			errorKind := ""
			if result, isMap := ev.Payload["result"].(map[string]any); isMap {
				ok, _ = result["ok"].(bool)
				errorKind, _ = result["error_kind"].(string)
			}
			lines = append(lines, fmt.Sprintf("- %s ok=%t error_kind=%s", tool, ok, errorKind))
		}
	}

	out := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(out) > resumeSummaryMaxChars {
		out = out[:resumeSummaryMaxChars] + "\n...<truncated>"
	}
	return TextMessage(RoleAssistant, out)
}
