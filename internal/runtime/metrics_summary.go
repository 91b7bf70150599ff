package runtime

import (
	"time"
)

// RunMetricsSummary is the offline, recomputable roll-up of one run's WAL:
// terminal status, wall time, and per-tool counts derived purely from
// events, so any holder of the audit trail can reproduce it.
type RunMetricsSummary struct {
	RunID      string           `json:"run_id"`
	Status     string           `json:"status"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
	WallTimeMs int64            `json:"wall_time_ms"`
	Counts     RunMetricsCounts `json:"counts"`
	Tools      RunMetricsTools  `json:"tools"`
	Errors     []map[string]any `json:"errors"`
}

// RunMetricsCounts aggregates event totals by kind.
type RunMetricsCounts struct {
	TurnsTotal              int `json:"turns_total"`
	LLMRequestsTotal        int `json:"llm_requests_total"`
	ToolCallsTotal          int `json:"tool_calls_total"`
	ApprovalsRequestedTotal int `json:"approvals_requested_total"`
	ApprovalsDecidedTotal   int `json:"approvals_decided_total"`
	HumanRequestsTotal      int `json:"human_requests_total"`
}

// RunMetricsTools aggregates per-tool outcomes.
type RunMetricsTools struct {
	ByName          map[string]*ToolCallTally `json:"by_name"`
	DurationMsTotal int64                     `json:"duration_ms_total"`
}

// ToolCallTally is one tool's call/outcome tally.
type ToolCallTally struct {
	Calls           int   `json:"calls"`
	OK              int   `json:"ok"`
	Failed          int   `json:"failed"`
	DurationMsTotal int64 `json:"duration_ms_total"`
}

// ComputeRunMetricsSummary recomputes a run's metrics summary from its
// event list. Events from more than one run_id are rejected as an
// invalid WAL slice.
func ComputeRunMetricsSummary(events []AgentEvent) RunMetricsSummary {
	summary := RunMetricsSummary{
		Status: "unknown",
		Tools:  RunMetricsTools{ByName: make(map[string]*ToolCallTally)},
		Errors: []map[string]any{},
	}

	var hasCompleted, hasFailed, hasCancelled bool
	var runFailedPayload map[string]any
	turnIDs := make(map[string]bool)

	for _, ev := range events {
		if summary.RunID == "" {
			summary.RunID = ev.RunID
		} else if ev.RunID != summary.RunID {
			summary.Errors = append(summary.Errors, map[string]any{
				"kind":    "invalid_wal",
				"message": "inconsistent run_id detected in WAL",
			})
			summary.Status = "unknown"
			return summary
		}

		if ev.TurnID != "" {
			turnIDs[ev.TurnID] = true
		}

		switch ev.Type {
		case EventRunStarted:
			if summary.StartedAt == nil && !ev.Timestamp.IsZero() {
				ts := ev.Timestamp
				summary.StartedAt = &ts
			}
		case EventRunCompleted, EventRunFailed, EventRunCancelled:
			if !ev.Timestamp.IsZero() {
				ts := ev.Timestamp
				summary.EndedAt = &ts
			}
			switch ev.Type {
			case EventRunCompleted:
				hasCompleted = true
			case EventRunFailed:
				hasFailed = true
				runFailedPayload = ev.Payload
			case EventRunCancelled:
				hasCancelled = true
			}
		case EventLLMRequestStarted:
			summary.Counts.LLMRequestsTotal++
		case EventApprovalRequested:
			summary.Counts.ApprovalsRequestedTotal++
		case EventApprovalDecided:
			summary.Counts.ApprovalsDecidedTotal++
		case EventHumanRequest:
			summary.Counts.HumanRequestsTotal++
		case EventToolCallFinished:
			summary.Counts.ToolCallsTotal++
			tool, _ := ev.Payload["tool"].(string)
			result, _ := ev.Payload["result"].(map[string]any)
			ok := result["ok"] == true
			durationMs := toInt64(result["duration_ms"])
			if durationMs < 0 {
				durationMs = 0
			}
			summary.Tools.DurationMsTotal += durationMs
			tally := summary.Tools.ByName[tool]
			if tally == nil {
				tally = &ToolCallTally{}
				summary.Tools.ByName[tool] = tally
			}
			tally.Calls++
			tally.DurationMsTotal += durationMs
			if ok {
				tally.OK++
			} else {
				tally.Failed++
			}
		}
	}

	summary.Counts.TurnsTotal = len(turnIDs)
	switch {
	case hasCompleted:
		summary.Status = "completed"
	case hasFailed:
		summary.Status = "failed"
	case hasCancelled:
		summary.Status = "cancelled"
	}

	if hasFailed && runFailedPayload != nil {
		entry := map[string]any{"kind": "run_failed"}
		if kind, ok := runFailedPayload["error_kind"].(string); ok {
			entry["error_kind"] = kind
		}
		if msg, ok := runFailedPayload["message"].(string); ok {
			entry["message"] = msg
		}
		summary.Errors = append(summary.Errors, entry)
	}

	if summary.StartedAt != nil && summary.EndedAt != nil {
		summary.WallTimeMs = summary.EndedAt.Sub(*summary.StartedAt).Milliseconds()
		if summary.WallTimeMs < 0 {
			summary.WallTimeMs = 0
		}
	}
	return summary
}

// toInt64 reads a JSON-decoded numeric value; WAL round-trips land as
// float64, the memory backend keeps native ints.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}
