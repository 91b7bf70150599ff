package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResumeStrategy selects how history is reconstructed when a run restarts
// with an existing run_id.
type ResumeStrategy string

const (
	ResumeSummary ResumeStrategy = "summary"
	ResumeReplay  ResumeStrategy = "replay"
)

// AgentConfig assembles an Agent's collaborators and policies.
type AgentConfig struct {
	Backend   LLMBackend
	Registry  *Registry
	Approvals ApprovalProvider
	HumanIO   HumanIO
	Skills    SkillsResolver

	Safety SafetyConfig
	Limits RunLimits
	Retry  RetryPolicy

	// ToolOverrides narrows per-tool execution timeouts over the context
	// default, keyed by tool name.
	ToolOverrides map[string]ToolExecConfig

	Model     string
	MaxTokens int

	Hooks  []Hook
	Stream StreamFunc
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Agent drives the turn/step state machine: it builds
// messages, streams from the LLM backend, routes tool calls through the
// Safety Gate and Dispatcher, maintains history, and terminates with
// exactly one of run_completed, run_failed, run_cancelled.
type Agent struct {
	Backend   LLMBackend
	Registry  *Registry
	Approvals ApprovalProvider
	HumanIO   HumanIO
	Skills    SkillsResolver

	Safety SafetyConfig
	Limits RunLimits
	Retry  RetryPolicy

	ToolOverrides map[string]ToolExecConfig

	Model     string
	MaxTokens int

	Hooks  []Hook
	Stream StreamFunc
	Logger *slog.Logger
	Tracer trace.Tracer
}

// NewAgent validates cfg and constructs an Agent. A missing LLM backend
// fails fast with config_error at construction.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Backend == nil {
		return nil, &RunError{ErrorKind: RunErrorConfig, Message: "llm backend is required"}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limits == (RunLimits{}) {
		cfg.Limits = DefaultRunLimits()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Safety.Mode == "" {
		cfg.Safety = DefaultSafetyConfig()
	}
	return &Agent{
		Backend:       cfg.Backend,
		Registry:      cfg.Registry,
		Approvals:     cfg.Approvals,
		HumanIO:       cfg.HumanIO,
		Skills:        cfg.Skills,
		Safety:        cfg.Safety,
		Limits:        cfg.Limits,
		Retry:         cfg.Retry,
		ToolOverrides: cfg.ToolOverrides,
		Model:         cfg.Model,
		MaxTokens:     cfg.MaxTokens,
		Hooks:         cfg.Hooks,
		Stream:        cfg.Stream,
		Logger:        cfg.Logger,
		Tracer:        cfg.Tracer,
	}, nil
}

// RunOptions configures a single run.
type RunOptions struct {
	RunID           string
	Task            string
	SystemPrompt    string
	DeveloperPrompt string
	WorkspaceRoot   string

	WAL            WAL // optional override; default is the JSONL backend under WorkspaceRoot
	InitialHistory []Message
	ResumeStrategy ResumeStrategy

	SkillMentions []string
	EnvVarPolicy  EnvVarPolicy
	Env           map[string]string

	RedactionValues []string
	CancelChecker   func() bool

	Model string
}

// runState carries everything a single Run invocation owns.
type runState struct {
	rc         *RunContext
	controller *LoopController
	gate       *SafetyGate
	dispatcher *Dispatcher
	envStore   *EnvStore
	task       string

	approvedForSession map[string]bool
	systemMessages     []Message
}

// Run executes a run to its terminal event and returns the result. The
// returned error is non-nil only for failures before the event pipeline
// exists (e.g. the WAL cannot be opened); once run_started is emitted,
// every outcome is reported through the RunResult.
func (a *Agent) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.RunID == "" {
		opts.RunID = newRunID()
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = "."
	}
	if opts.ResumeStrategy == "" {
		opts.ResumeStrategy = ResumeSummary
	}
	if opts.EnvVarPolicy == "" {
		opts.EnvVarPolicy = EnvVarSkip
	}

	wal := opts.WAL
	if wal == nil {
		fsWAL, err := NewFileWAL(EventsPath(opts.WorkspaceRoot, opts.RunID))
		if err != nil {
			return nil, err
		}
		wal = fsWAL
	}

	emitter := NewWalEmitter(wal, a.Hooks, a.Stream, a.Logger, a.Tracer)
	gate := NewSafetyGate(a.Safety, opts.RedactionValues)
	dispatcher := NewDispatcher(a.Registry, emitter, gate)
	dispatcher.Overrides = a.ToolOverrides

	rc := &RunContext{
		RunID:        opts.RunID,
		RunDir:       RunDir(opts.WorkspaceRoot, opts.RunID),
		WAL:          wal,
		WALLocator:   wal.Locator(),
		Emitter:      emitter,
		ArtifactsDir: ArtifactsDir(opts.WorkspaceRoot, opts.RunID),
		Limits:       a.Limits,
	}

	st := &runState{
		rc:                 rc,
		controller:         NewLoopController(a.Limits, opts.CancelChecker),
		gate:               gate,
		dispatcher:         dispatcher,
		envStore:           NewEnvStore(opts.Env),
		task:               opts.Task,
		approvedForSession: make(map[string]bool),
	}

	// Resume: prior WAL events for this run_id seed history and the
	// approvals caches. Caller-provided initial history wins.
	prior, err := wal.IterEvents(opts.RunID)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.InitialHistory != nil:
		rc.History = append(rc.History, opts.InitialHistory...)
	case len(prior) > 0 && opts.ResumeStrategy == ResumeReplay:
		replay, replayErr := RebuildResumeReplayState(prior)
		if replayErr != nil {
			// Replay reconstruction failure degrades silently to summary.
			rc.History = append(rc.History, BuildResumeSummary(prior))
		} else {
			rc.History = append(rc.History, replay.History...)
			for _, k := range replay.ApprovedForSessionKeys {
				st.approvedForSession[k] = true
			}
			for k, n := range replay.DeniedApprovalsByKey {
				st.controller.DeniedApprovalsByKey[k] = n
			}
		}
	case len(prior) > 0:
		rc.History = append(rc.History, BuildResumeSummary(prior))
	}

	model := opts.Model
	if model == "" {
		model = a.Model
	}

	emitter.Emit(ctx, AgentEvent{
		Type:  EventRunStarted,
		RunID: rc.RunID,
		Payload: map[string]any{
			"task": opts.Task,
			"config_summary": map[string]any{
				"model":             model,
				"safety_mode":       string(a.Safety.Mode),
				"max_steps":         a.Limits.MaxSteps,
				"max_wall_time_sec": a.Limits.MaxWallTimeSec,
				"resume_strategy":   string(opts.ResumeStrategy),
			},
			"wal_locator": rc.WALLocator,
		},
	})

	systemMessages, gateErr := a.buildSystemMessages(ctx, st, opts)
	if gateErr != nil {
		return a.finishFailed(ctx, st, gateErr), nil
	}
	st.systemMessages = systemMessages
	if opts.Task != "" {
		rc.History = append(rc.History, TextMessage(RoleUser, opts.Task))
	}

	result := a.runLoop(ctx, st, opts, model)
	return result, nil
}

// RunStream is the asynchronous surface: events are delivered on the
// returned channel as they are emitted, and the terminal result arrives on
// the result channel after the event channel closes.
func (a *Agent) RunStream(ctx context.Context, opts RunOptions) (<-chan AgentEvent, <-chan *RunResult) {
	events := make(chan AgentEvent, 64)
	results := make(chan *RunResult, 1)

	streamed := a.Stream
	clone := *a
	clone.Stream = func(ctx context.Context, ev AgentEvent) {
		if streamed != nil {
			streamed(ctx, ev)
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)
		defer close(results)
		result, err := clone.Run(ctx, opts)
		if err != nil && result == nil {
			result = &RunResult{
				Status: StatusFailed,
				Error:  &RunError{ErrorKind: RunErrorUnknown, Message: err.Error(), Cause: err},
			}
		}
		results <- result
	}()

	return events, results
}

// buildSystemMessages assembles system + developer prompts and gated skill
// bodies. A fail_fast env gate failure is terminal (missing_env_var).
func (a *Agent) buildSystemMessages(ctx context.Context, st *runState, opts RunOptions) ([]Message, *RunError) {
	var msgs []Message
	if opts.SystemPrompt != "" {
		msgs = append(msgs, TextMessage(RoleSystem, opts.SystemPrompt))
	}
	if opts.DeveloperPrompt != "" {
		msgs = append(msgs, TextMessage(RoleSystem, opts.DeveloperPrompt))
	}

	if a.Skills == nil {
		return msgs, nil
	}
	for _, mention := range opts.SkillMentions {
		skill, err := a.Skills.ResolveMention(mention)
		if err != nil || skill == nil {
			a.Logger.Warn("skill mention did not resolve", "mention", mention, "error", err)
			continue
		}
		ok, gateErr := a.gateSkillEnvVars(ctx, st.rc, skill, st.envStore, opts.EnvVarPolicy)
		if gateErr != nil {
			var runErr *RunError
			if !errors.As(gateErr, &runErr) {
				runErr = &RunError{ErrorKind: RunErrorMissingEnvVar, Message: gateErr.Error(), Cause: gateErr}
			}
			return nil, runErr
		}
		if !ok {
			continue
		}
		msgs = append(msgs, TextMessage(RoleSystem, skill.Body))
		st.rc.Emitter.Emit(ctx, AgentEvent{
			Type:  EventSkillInjected,
			RunID: st.rc.RunID,
			Payload: map[string]any{
				"mention_text":  mention,
				"skill_name":    skill.Name,
				"namespace":     skill.Namespace,
				"skill_locator": skill.Locator,
			},
		})
	}
	return msgs, nil
}

// runLoop is the turn loop proper. Every exit path funnels through exactly
// one terminal emit.
func (a *Agent) runLoop(ctx context.Context, st *runState, opts RunOptions, model string) *RunResult {
	for {
		if st.controller.Cancelled() || ctx.Err() != nil {
			return a.finishCancelled(ctx, st, "run cancelled")
		}
		if st.controller.WallTimeExceeded() {
			return a.finishFailed(ctx, st, &RunError{
				ErrorKind: RunErrorBudgetExceeded,
				Message:   fmt.Sprintf("wall time budget of %ds exceeded", st.controller.Limits.MaxWallTimeSec),
			})
		}

		turnID := fmt.Sprintf("turn_%d", st.controller.NextTurn())
		text, calls, turnErr, cancelled := a.streamTurn(ctx, st, model, turnID, st.requestMessages())
		if cancelled {
			return a.finishCancelled(ctx, st, "run cancelled")
		}
		if turnErr != nil {
			if turnErr.ErrorKind == RunErrorContextLengthExceeded {
				terminal := a.recoverContextLength(ctx, st, model)
				if terminal != nil {
					return terminal
				}
				continue
			}
			return a.finishFailed(ctx, st, turnErr)
		}

		if len(calls) == 0 {
			st.rc.History = append(st.rc.History, TextMessage(RoleAssistant, text))
			return a.finishCompleted(ctx, st, text)
		}

		assistant := Message{Role: RoleAssistant, ToolCalls: calls}
		if text != "" {
			assistant.Content = &text
		}
		st.rc.History = append(st.rc.History, assistant)

		for _, call := range calls {
			terminal := a.executeCall(ctx, st, opts, call, turnID)
			if terminal != nil {
				return terminal
			}
		}
	}
}

// requestMessages builds the outbound message list for one LLM request:
// system messages plus the trimmed history sliding window.
func (st *runState) requestMessages() []Message {
	history, _ := trimHistory(st.rc.History, st.rc.Limits.HistoryMaxMessages, st.rc.Limits.HistoryMaxChars)
	msgs := make([]Message, 0, len(st.systemMessages)+len(history))
	msgs = append(msgs, st.systemMessages...)
	msgs = append(msgs, history...)
	return msgs
}

// streamTurn performs one LLM request with retry discipline: transport
// errors classified as retryable are retried with backoff only while no
// stream event has been emitted for this request.
func (a *Agent) streamTurn(ctx context.Context, st *runState, model, turnID string, messages []Message) (string, []ToolCall, *RunError, bool) {
	specs := a.Registry.ListSpecs()

	var span trace.Span
	if a.Tracer != nil {
		var spanCtx context.Context
		spanCtx, span = a.Tracer.Start(ctx, "agent.turn", trace.WithAttributes(
			attribute.String("run.id", st.rc.RunID),
			attribute.String("turn.id", turnID),
		))
		ctx = spanCtx
		defer span.End()
	}

	for attempt := 0; ; attempt++ {
		st.rc.Emitter.Emit(ctx, AgentEvent{
			Type:   EventLLMRequestStarted,
			RunID:  st.rc.RunID,
			TurnID: turnID,
			Payload: map[string]any{
				"messages_count": len(messages),
				"tools_count":    len(specs),
				"model":          model,
			},
		})

		text, calls, runErr, cancelled, emitted := a.consumeStream(ctx, st, model, turnID, messages, specs)
		if cancelled {
			return "", nil, nil, true
		}
		if runErr == nil {
			return text, calls, nil, false
		}
		if span != nil {
			span.SetStatus(codes.Error, string(runErr.ErrorKind))
		}
		if emitted || !retryableLLMError(runErr) || attempt >= a.Retry.MaxRetries {
			return "", nil, runErr, false
		}

		backoff := a.Retry.backoffFor(attempt+1, runErr)
		a.Logger.Warn("llm request failed, retrying",
			"run_id", st.rc.RunID, "attempt", attempt+1, "backoff", backoff, "error_kind", runErr.ErrorKind)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", nil, nil, true
		}
		if st.controller.Cancelled() {
			return "", nil, nil, true
		}
	}
}

// consumeStream drains one streaming chat completion. It reports whether
// any stream event was emitted (which forbids a retry of this request).
func (a *Agent) consumeStream(ctx context.Context, st *runState, model, turnID string, messages []Message, specs []ToolSpec) (string, []ToolCall, *RunError, bool, bool) {
	stream, err := a.Backend.StreamChat(ctx, &ChatRequest{
		Model:     model,
		Messages:  messages,
		Tools:     specs,
		MaxTokens: a.MaxTokens,
	})
	if err != nil {
		return "", nil, ClassifyLLMError(err), false, false
	}

	var textBuf []byte
	acc := newToolCallAccumulator()
	emitted := false

	for ev := range stream {
		if st.controller.Cancelled() {
			return "", nil, nil, true, emitted
		}
		if ev.Err != nil {
			return "", nil, ClassifyLLMError(ev.Err), false, emitted
		}
		switch ev.Type {
		case StreamTextDelta:
			textBuf = append(textBuf, ev.Text...)
			emitted = true
			st.rc.Emitter.Emit(ctx, AgentEvent{
				Type:   EventLLMResponseDelta,
				RunID:  st.rc.RunID,
				TurnID: turnID,
				Payload: map[string]any{
					"delta_type": "text",
					"text":       st.gate.RedactText(ev.Text),
				},
			})
		case StreamToolCalls:
			// Arguments may arrive as partial JSON; accumulate per
			// call_id and emit one sanitized delta after assembly.
			for _, delta := range ev.ToolCalls {
				acc.add(delta)
			}
		case StreamCompleted:
			calls := acc.finalize()
			if len(calls) > 0 {
				emitted = true
				st.rc.Emitter.Emit(ctx, AgentEvent{
					Type:   EventLLMResponseDelta,
					RunID:  st.rc.RunID,
					TurnID: turnID,
					Payload: map[string]any{
						"delta_type": "tool_calls",
						"tool_calls": a.sanitizedCallSummaries(st.gate, calls),
					},
				})
			}
			return string(textBuf), calls, nil, false, emitted
		}
	}

	// Stream ended without a completed event: treat as transport failure.
	return "", nil, &RunError{ErrorKind: RunErrorLLM, Message: "llm stream ended without completion", Retryable: true}, false, emitted
}

// sanitizedCallSummaries renders streamed tool calls with the same
// sanitized argument form used for tool_call_requested.
func (a *Agent) sanitizedCallSummaries(gate *SafetyGate, calls []ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		spec := a.specFor(call.Name)
		desc := DescriptorFor(spec, call)
		out = append(out, map[string]any{
			"call_id":   call.CallID,
			"name":      call.Name,
			"arguments": gate.Sanitize(desc, call, a.Skills),
		})
	}
	return out
}

func (a *Agent) specFor(name string) *ToolSpec {
	if tool, ok := a.Registry.get(name); ok {
		spec := tool.spec
		return &spec
	}
	return nil
}

// executeCall routes one tool call through the Safety Gate, the approval
// flow, the budget checks, and the Dispatcher. A non-nil return is the
// run's terminal result.
func (a *Agent) executeCall(ctx context.Context, st *runState, opts RunOptions, call ToolCall, turnID string) *RunResult {
	stepID := fmt.Sprintf("step_%d", st.controller.NextStep())
	spec := a.specFor(call.Name)
	desc := DescriptorFor(spec, call)
	sanitized := st.gate.Sanitize(desc, call, a.Skills)

	if desc.Category != CategoryNone {
		st.rc.Emitter.Emit(ctx, AgentEvent{
			Type:   EventToolCallRequested,
			RunID:  st.rc.RunID,
			TurnID: turnID,
			StepID: stepID,
			Payload: map[string]any{
				"call_id":   call.CallID,
				"tool":      call.Name,
				"arguments": sanitized,
			},
		})
	}

	decision := st.gate.Evaluate(desc, call.Name, call.Args)
	if spec != nil && spec.RequiresApproval && decision.Action == ActionAllow && desc.Category != CategoryNone {
		decision.Action = ActionAsk
		decision.Reason = "requires_approval"
	}

	switch decision.Action {
	case ActionDeny:
		result := FailedToolResult(ToolErrorPermission, "denied by safety policy: "+decision.Reason)
		st.dispatcher.emitFinished(ctx, st.rc.RunID, call, turnID, stepID, result)
		a.appendToolMessage(st, call, result)
		return nil
	case ActionAsk:
		proceed, terminal := a.approve(ctx, st, call, sanitized, turnID, stepID)
		if terminal != nil {
			return terminal
		}
		if !proceed {
			return nil
		}
	}

	if st.controller.Cancelled() {
		return a.finishCancelled(ctx, st, "run cancelled")
	}
	if st.controller.WallTimeExceeded() {
		return a.finishFailed(ctx, st, &RunError{
			ErrorKind: RunErrorBudgetExceeded,
			Message:   fmt.Sprintf("wall time budget of %ds exceeded", st.controller.Limits.MaxWallTimeSec),
		})
	}
	if st.controller.StepsExceeded() {
		return a.finishFailed(ctx, st, &RunError{
			ErrorKind: RunErrorBudgetExceeded,
			Message:   fmt.Sprintf("step budget of %d exceeded", st.controller.Limits.MaxSteps),
		})
	}
	st.controller.RecordStepExecuted()

	execCtx := &ToolExecutionContext{
		WorkspaceRoot:    opts.WorkspaceRoot,
		RunID:            st.rc.RunID,
		Env:              st.envStore.Snapshot(),
		CancelChecker:    st.controller.CancelChecker,
		RedactionValues:  opts.RedactionValues,
		DefaultTimeoutMs: defaultToolTimeoutMs,
		MaxFileBytes:     10 << 20,
		HumanIO:          a.HumanIO,
		SkillsManager:    a.Skills,
		EmitToolEvents:   true,
	}

	var span trace.Span
	dispatchCtx := ctx
	if a.Tracer != nil {
		dispatchCtx, span = a.Tracer.Start(ctx, "agent.tool_dispatch", trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.CallID),
		))
	}
	result := st.dispatcher.DispatchOne(dispatchCtx, call, turnID, stepID, execCtx)
	if span != nil {
		if !result.OK {
			span.SetStatus(codes.Error, string(result.ErrorKind))
		}
		span.End()
	}

	a.appendToolMessage(st, call, result)
	return nil
}

// approve runs the approval flow for one gated call. It reports whether the call may
// proceed; a non-nil terminal result ends the run.
func (a *Agent) approve(ctx context.Context, st *runState, call ToolCall, sanitized map[string]any, turnID, stepID string) (bool, *RunResult) {
	key, err := ApprovalKey(call.Name, sanitized)
	if err != nil {
		return false, a.finishFailed(ctx, st, &RunError{ErrorKind: RunErrorUnknown, Message: err.Error(), Cause: err})
	}
	summary := Summarize(call.Name, sanitized)

	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:   EventApprovalRequested,
		RunID:  st.rc.RunID,
		TurnID: turnID,
		StepID: stepID,
		Payload: map[string]any{
			"approval_key": key,
			"tool":         call.Name,
			"summary":      summary,
			"request":      sanitized,
		},
	})

	if st.approvedForSession[key] {
		st.rc.Emitter.Emit(ctx, AgentEvent{
			Type:   EventApprovalDecided,
			RunID:  st.rc.RunID,
			TurnID: turnID,
			StepID: stepID,
			Payload: map[string]any{
				"approval_key": key,
				"decision":     string(ApprovalApprovedForSession),
				"reason":       "cached",
			},
		})
		return true, nil
	}

	if a.Approvals == nil {
		return false, a.finishFailed(ctx, st, &RunError{
			ErrorKind: RunErrorConfig,
			Message:   "safety gate requires approval but no approval provider is configured",
		})
	}

	timeout := time.Duration(a.Safety.ApprovalTimeoutMs) * time.Millisecond
	verdict, err := a.Approvals.RequestApproval(ctx, ApprovalRequest{
		ApprovalKey: key,
		Tool:        call.Name,
		Summary:     summary,
		Details:     sanitized,
	}, timeout)
	if err != nil {
		// Timeouts and provider faults fail closed to denied.
		verdict = ApprovalDenied
	}

	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:   EventApprovalDecided,
		RunID:  st.rc.RunID,
		TurnID: turnID,
		StepID: stepID,
		Payload: map[string]any{
			"approval_key": key,
			"decision":     string(verdict),
		},
	})

	switch verdict {
	case ApprovalApproved:
		return true, nil
	case ApprovalApprovedForSession:
		st.approvedForSession[key] = true
		return true, nil
	case ApprovalAbort:
		return false, a.finishCancelled(ctx, st, "approval aborted by operator")
	default:
		if st.controller.RecordDenial(key) {
			return false, a.finishFailed(ctx, st, &RunError{
				ErrorKind: RunErrorApprovalDenied,
				Message:   "approval denied twice for the same request",
			})
		}
		result := FailedToolResult(ToolErrorPermission, "approval denied")
		st.dispatcher.emitFinished(ctx, st.rc.RunID, call, turnID, stepID, result)
		a.appendToolMessage(st, call, result)
		return false, nil
	}
}

func (a *Agent) appendToolMessage(st *runState, call ToolCall, result ToolResult) {
	content := result.Content
	st.rc.History = append(st.rc.History, Message{
		Role:       RoleTool,
		Content:    &content,
		ToolCallID: call.CallID,
	})
}

// finishCompleted emits run_completed and builds the result. Compaction
// notices, when any occurred, ride along in metadata.
func (a *Agent) finishCompleted(ctx context.Context, st *runState, finalOutput string) *RunResult {
	return a.finishCompletedMeta(ctx, st, finalOutput, nil)
}

func (a *Agent) finishCompletedMeta(ctx context.Context, st *runState, finalOutput string, extra map[string]any) *RunResult {
	metadata := map[string]any{}
	for k, v := range extra {
		metadata[k] = v
	}
	if st.rc.CompactionsPerformed > 0 {
		metadata["notices"] = []map[string]any{{
			"kind":       "context_compacted",
			"count":      st.rc.CompactionsPerformed,
			"message":    fmt.Sprintf("history was compacted %d time(s) during this run", st.rc.CompactionsPerformed),
			"suggestion": "consider splitting the task or raising the context budget",
		}}
	}
	for _, notice := range st.rc.TerminalNotices {
		existing, _ := metadata["notices"].([]map[string]any)
		metadata["notices"] = append(existing, notice)
	}

	artifacts := listArtifacts(st.rc.ArtifactsDir)
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventRunCompleted,
		RunID: st.rc.RunID,
		Payload: map[string]any{
			"final_output": finalOutput,
			"artifacts":    artifacts,
			"metadata":     metadata,
			"wal_locator":  st.rc.WALLocator,
		},
	})
	return &RunResult{
		Status:      StatusCompleted,
		FinalOutput: finalOutput,
		WALLocator:  st.rc.WALLocator,
		EventsPath:  st.rc.WALLocator,
		Artifacts:   artifacts,
		Metadata:    metadata,
	}
}

func (a *Agent) finishFailed(ctx context.Context, st *runState, runErr *RunError) *RunResult {
	payload := map[string]any{
		"error_kind":  string(runErr.ErrorKind),
		"message":     st.gate.RedactText(runErr.Message),
		"retryable":   runErr.Retryable,
		"wal_locator": st.rc.WALLocator,
	}
	if runErr.RetryAfterMs != nil {
		payload["retry_after_ms"] = *runErr.RetryAfterMs
	}
	if len(runErr.Details) > 0 {
		payload["details"] = runErr.Details
	}
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:    EventRunFailed,
		RunID:   st.rc.RunID,
		Payload: payload,
	})
	return &RunResult{
		Status:     StatusFailed,
		WALLocator: st.rc.WALLocator,
		EventsPath: st.rc.WALLocator,
		Error:      runErr,
	}
}

func (a *Agent) finishCancelled(ctx context.Context, st *runState, message string) *RunResult {
	st.rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventRunCancelled,
		RunID: st.rc.RunID,
		Payload: map[string]any{
			"message":     message,
			"wal_locator": st.rc.WALLocator,
		},
	})
	return &RunResult{
		Status:     StatusCancelled,
		WALLocator: st.rc.WALLocator,
		EventsPath: st.rc.WALLocator,
	}
}

func listArtifacts(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}
