package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func contextLengthTurn() []ChatStreamEvent {
	return []ChatStreamEvent{{Err: fmt.Errorf("prompt too large: %w", ErrContextLengthExceeded)}}
}

const testSummary = "目标: 完成任务\n进展: 已列出目录\n决策: 无\n状态: 进行中\n下一步: 继续\n风险: 无"

func TestRun_CompactFirstRecovers(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ChatStreamEvent{
		contextLengthTurn(),
		textTurn(testSummary),
		textTurn("final"),
	}}
	agent, wal := newTestAgent(t, backend, nil)

	workspace := t.TempDir()
	result, err := agent.Run(context.Background(), RunOptions{
		RunID:         "r1",
		Task:          "long task",
		WorkspaceRoot: workspace,
		WAL:           wal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted || result.FinalOutput != "final" {
		t.Fatalf("result = %+v", result)
	}

	var sawExceeded, sawCompacted bool
	events, _ := wal.IterEvents("r1")
	for _, ev := range events {
		switch ev.Type {
		case EventContextLengthExceeded:
			sawExceeded = true
		case EventContextCompacted:
			sawCompacted = true
			if count, _ := ev.Payload["count"].(int); count != 1 {
				// JSON round-trips land as float64 in file backends; the
				// memory backend keeps the int.
				if countF, _ := ev.Payload["count"].(float64); countF != 1 {
					t.Errorf("context_compacted count = %v, want 1", ev.Payload["count"])
				}
			}
		}
	}
	if !sawExceeded || !sawCompacted {
		t.Errorf("missing recovery events: exceeded=%v compacted=%v", sawExceeded, sawCompacted)
	}

	notices, ok := result.Metadata["notices"].([]map[string]any)
	if !ok || len(notices) == 0 || notices[0]["kind"] != "context_compacted" {
		t.Errorf("metadata.notices = %v", result.Metadata["notices"])
	}

	artifacts, err := os.ReadDir(ArtifactsDir(workspace, "r1"))
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("artifacts = %v, err %v", artifacts, err)
	}
	if !strings.HasSuffix(artifacts[0].Name(), "_compaction.md") {
		t.Errorf("artifact name = %s", artifacts[0].Name())
	}
}

func TestRun_FailFastOnContextLength(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ChatStreamEvent{contextLengthTurn()}}
	agent, wal := newTestAgent(t, backend, func(cfg *AgentConfig) {
		cfg.Limits.ContextRecoveryMode = RecoveryFailFast
	})

	result, err := agent.Run(context.Background(), RunOptions{
		RunID:         "r1",
		Task:          "long task",
		WorkspaceRoot: t.TempDir(),
		WAL:           wal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Error == nil || result.Error.ErrorKind != RunErrorContextLengthExceeded {
		t.Errorf("Error = %+v, want context_length_exceeded", result.Error)
	}
}

func TestRun_CompactionBudgetSpentFailsLikeFailFast(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ChatStreamEvent{contextLengthTurn()}}
	agent, wal := newTestAgent(t, backend, func(cfg *AgentConfig) {
		cfg.Limits.ContextRecoveryMode = RecoveryCompactFirst
		cfg.Limits.MaxCompactionsPerRun = 0
	})

	result, err := agent.Run(context.Background(), RunOptions{
		RunID:         "r1",
		Task:          "long task",
		WorkspaceRoot: t.TempDir(),
		WAL:           wal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Error == nil || result.Error.ErrorKind != RunErrorContextLengthExceeded {
		t.Errorf("Error = %+v, want context_length_exceeded", result.Error)
	}
}

type scriptedHuman struct {
	answer string
	asked  []HumanRequest
}

func (h *scriptedHuman) Ask(ctx context.Context, req HumanRequest) (string, error) {
	h.asked = append(h.asked, req)
	return h.answer, nil
}

func TestRun_AskFirstHandoffWritesArtifact(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ChatStreamEvent{
		contextLengthTurn(),
		textTurn(testSummary),
	}}
	human := &scriptedHuman{answer: "handoff_new_run"}
	agent, wal := newTestAgent(t, backend, func(cfg *AgentConfig) {
		cfg.Limits.ContextRecoveryMode = RecoveryAskFirst
		cfg.HumanIO = human
	})

	workspace := t.TempDir()
	result, err := agent.Run(context.Background(), RunOptions{
		RunID:         "r1",
		Task:          "long task",
		WorkspaceRoot: workspace,
		WAL:           wal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", result.Status)
	}

	handoff, ok := result.Metadata["handoff"].(map[string]any)
	if !ok {
		t.Fatalf("metadata.handoff = %v", result.Metadata["handoff"])
	}
	artifactPath, _ := handoff["artifact_path"].(string)
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		t.Fatalf("read handoff artifact: %v", err)
	}
	if !strings.Contains(string(data), "目标") {
		t.Errorf("handoff artifact missing summary body")
	}
	if len(human.asked) != 1 || len(human.asked[0].Choices) != 2 {
		t.Errorf("human asked = %+v", human.asked)
	}
}

func TestRun_AskFirstWithoutHumanDegradesToCompact(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ChatStreamEvent{
		contextLengthTurn(),
		textTurn(testSummary),
		textTurn("final"),
	}}
	agent, wal := newTestAgent(t, backend, func(cfg *AgentConfig) {
		cfg.Limits.ContextRecoveryMode = RecoveryAskFirst
		cfg.HumanIO = nil
	})

	result, err := agent.Run(context.Background(), RunOptions{
		RunID:         "r1",
		Task:          "long task",
		WorkspaceRoot: t.TempDir(),
		WAL:           wal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted || result.FinalOutput != "final" {
		t.Errorf("result = %+v, want compact-first fallback completion", result)
	}
}

func TestClipTextMiddle(t *testing.T) {
	long := strings.Repeat("a", 1000) + strings.Repeat("b", 1000)
	clipped := clipTextMiddle(long, 300)
	if len(clipped) > 300 {
		t.Errorf("clipped length = %d, want <= 300", len(clipped))
	}
	if !strings.HasPrefix(clipped, "aaa") {
		t.Error("head window lost")
	}
	if !strings.HasSuffix(clipped, "bbb") {
		t.Error("tail window lost")
	}
	if !strings.Contains(clipped, "\n...\n") {
		t.Error("missing middle ellipsis")
	}

	short := "short"
	if clipTextMiddle(short, 300) != short {
		t.Error("short strings should pass through")
	}
	if got := clipTextMiddle(strings.Repeat("x", 100), 40); len(got) != 40 || !strings.HasSuffix(got, "...") {
		t.Errorf("small budgets truncate with trailing ellipsis, got %q", got)
	}
}

func TestFormatHistoryForCompaction(t *testing.T) {
	var history []Message
	for i := 0; i < 10; i++ {
		history = append(history, TextMessage(RoleUser, fmt.Sprintf("user message %d", i)))
		toolContent := fmt.Sprintf(`{"ok":true,"stdout":%q,"duration_ms":1,"truncated":false}`, strings.Repeat("x", 3000))
		history = append(history, Message{Role: RoleTool, Content: &toolContent, ToolCallID: fmt.Sprintf("tc%d", i)})
	}

	out := formatHistoryForCompaction(history, 20000, 4)

	if !strings.Contains(out, "USER:\nuser message 9") {
		t.Error("last user message not kept verbatim")
	}
	if strings.Contains(out, "user message 0") {
		t.Error("user messages outside the keep-last window should be dropped")
	}
	if !strings.Contains(out, "TOOL(tool_call_id=tc0, ok=true, error_kind=null)") {
		t.Errorf("tool block header missing:\n%.400s", out)
	}
	if strings.Contains(out, strings.Repeat("x", 1700)) {
		t.Error("tool stdout not clipped to its window")
	}
	if len(out) > 20000 {
		t.Errorf("transcript length = %d, want <= 20000", len(out))
	}
	if !strings.Contains(out, "\n\n---\n\n") {
		t.Error("missing block separator")
	}
}

func TestCompactionSummaryPrefixOnHistoryReplacement(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ChatStreamEvent{
		contextLengthTurn(),
		textTurn(testSummary),
		textTurn("final"),
	}}
	agent, wal := newTestAgent(t, backend, nil)

	_, err := agent.Run(context.Background(), RunOptions{
		RunID:         "r1",
		Task:          "long task",
		WorkspaceRoot: t.TempDir(),
		WAL:           wal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The post-compaction request carries the prefixed summary message.
	final := backend.requests[len(backend.requests)-1]
	found := false
	for _, msg := range final.Messages {
		if msg.Role == RoleAssistant && msg.Content != nil && strings.HasPrefix(*msg.Content, "[对话压缩摘要") {
			found = true
		}
	}
	if !found {
		t.Error("compacted history missing the summary prefix message")
	}
}

func TestIsSubstantiveSummary(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{testSummary, true},
		{"", false},
		{"ok", false},
		{"I cannot summarize this conversation for you because...", false},
		{"NO_REPLY", false},
	}
	for _, tt := range tests {
		if got := isSubstantiveSummary(tt.text); got != tt.want {
			t.Errorf("isSubstantiveSummary(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestWriteArtifact_SequentialNames(t *testing.T) {
	agent, _ := newTestAgent(t, &scriptedBackend{}, nil)
	rc := &RunContext{ArtifactsDir: filepath.Join(t.TempDir(), "artifacts")}

	p1, err := agent.writeArtifact(rc, "compaction", "one")
	if err != nil {
		t.Fatalf("writeArtifact: %v", err)
	}
	p2, err := agent.writeArtifact(rc, "handoff", "two")
	if err != nil {
		t.Fatalf("writeArtifact: %v", err)
	}
	if filepath.Base(p1) != "000_compaction.md" || filepath.Base(p2) != "001_handoff.md" {
		t.Errorf("artifact names = %s, %s", filepath.Base(p1), filepath.Base(p2))
	}
}
