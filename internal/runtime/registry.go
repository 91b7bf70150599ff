package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolHandler executes a tool call. It may emit side events via
// ctx.EmitEvent (appended to the WAL; streamed later by the Dispatcher in
// started -> side-events -> finished order).
type ToolHandler func(ctx context.Context, call ToolCall, execCtx *ToolExecutionContext) (ToolResult, error)

// ToolExecutionContext is what handlers see. The opaque collaborator
// fields (HumanIO, SandboxAdapter, SkillsManager) are consumed contracts
// only; the runtime never implements them.
type ToolExecutionContext struct {
	WorkspaceRoot        string
	RunID                string
	Env                  map[string]string
	CancelChecker        func() bool
	RedactionValues      []string
	DefaultTimeoutMs     int64
	MaxFileBytes         int64
	SandboxPolicyDefault string
	SandboxAdapter       any
	HumanIO              HumanIO
	SkillsManager        SkillsResolver
	EmitToolEvents       bool

	gate     *SafetyGate
	emitter  *WalEmitter
	sideSink *[]AgentEvent
	sideMu   *sync.Mutex
}

// ErrPathEscapesWorkspace is returned by ResolvePath for any path that
// resolves outside the workspace root, including via symlink traversal.
var ErrPathEscapesWorkspace = fmt.Errorf("permission: path escapes workspace_root")

// ResolvePath returns an absolute path guaranteed under WorkspaceRoot;
// otherwise it fails with ErrPathEscapesWorkspace. Symlinks in the path
// are resolved before the containment check so a link cannot escape the
// root.
func (c *ToolExecutionContext) ResolvePath(p string) (string, error) {
	root, err := filepath.Abs(c.WorkspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolvedRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = resolvedRoot
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	// Resolve the deepest existing ancestor so symlinked parents of
	// not-yet-created files are still checked.
	probe := abs
	for {
		if resolved, err := filepath.EvalSymlinks(probe); err == nil {
			rest := strings.TrimPrefix(abs, probe)
			abs = filepath.Join(resolved, rest)
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", ErrPathEscapesWorkspace
	}
	return abs, nil
}

// MergedEnv returns the run-scoped env overlaid with extras.
func (c *ToolExecutionContext) MergedEnv(extra map[string]string) map[string]string {
	out := make(map[string]string, len(c.Env)+len(extra))
	for k, v := range c.Env {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// RedactText substitutes known secret values (length >= 4) with
// <redacted>.
func (c *ToolExecutionContext) RedactText(s string) string {
	if c.gate == nil {
		return s
	}
	return c.gate.RedactText(s)
}

// EmitEvent appends ev to the WAL (if any) and enqueues it for later
// stream flush by the Dispatcher.
func (c *ToolExecutionContext) EmitEvent(ev AgentEvent) {
	if c.emitter != nil {
		c.emitter.Append(ev)
	}
	if c.sideSink != nil && c.sideMu != nil {
		c.sideMu.Lock()
		*c.sideSink = append(*c.sideSink, ev)
		c.sideMu.Unlock()
	}
}

// registeredTool bundles a ToolSpec with its handler and compiled schema.
type registeredTool struct {
	spec    ToolSpec
	handler ToolHandler
	schema  *jsonschema.Schema
}

// Tool parameter limits to prevent resource exhaustion.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// defaultToolTimeoutMs is the baseline per-tool execution timeout handed
// to handlers; a Dispatcher.Overrides entry narrows it per tool.
const defaultToolTimeoutMs = 30000

// Registry is the name-keyed tool catalog: thread-safe registration and
// lookup, with each tool's parameter schema compiled once at register
// time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool by name. Fails with a validation error if the name
// is already present and override is false.
func (r *Registry) Register(spec ToolSpec, handler ToolHandler, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Name == "" || len(spec.Name) > MaxToolNameLength {
		return fmt.Errorf("validation: tool name length must be 1..%d", MaxToolNameLength)
	}
	if _, exists := r.tools[spec.Name]; exists && !override {
		return fmt.Errorf("validation: tool %q already registered", spec.Name)
	}

	var compiled *jsonschema.Schema
	if len(spec.Parameters) > 0 {
		schemaJSON, err := json.Marshal(spec.Parameters)
		if err != nil {
			return fmt.Errorf("validation: marshal schema for %q: %w", spec.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		resourceName := fmt.Sprintf("tool-%s.json", spec.Name)
		if err := compiler.AddResource(resourceName, strings.NewReader(string(schemaJSON))); err != nil {
			return fmt.Errorf("validation: add schema resource for %q: %w", spec.Name, err)
		}
		compiled, err = compiler.Compile(resourceName)
		if err != nil {
			return fmt.Errorf("validation: compile schema for %q: %w", spec.Name, err)
		}
	}

	r.tools[spec.Name] = &registeredTool{spec: spec, handler: handler, schema: compiled}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// ListSpecs returns registered ToolSpecs for LLM function-calling export.
func (r *Registry) ListSpecs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.spec)
	}
	return specs
}

func (r *Registry) get(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// validateArgs validates call.Args against the registered JSON Schema, if
// any. A validation failure fails the call closed before the handler runs.
func (t *registeredTool) validateArgs(call ToolCall) error {
	if t.schema == nil {
		return nil
	}
	instance, err := toSchemaInstance(call.Args)
	if err != nil {
		return fmt.Errorf("validation: encode arguments: %w", err)
	}
	if err := t.schema.Validate(instance); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

func toSchemaInstance(args map[string]any) (any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// dispatcherMetrics are the prometheus counters/histograms for tool
// dispatch.
type dispatcherMetrics struct {
	execCount    *prometheus.CounterVec
	execDuration *prometheus.HistogramVec
}

var (
	dispatcherMetricsOnce   sync.Once
	sharedDispatcherMetrics *dispatcherMetrics
)

func getDispatcherMetrics() *dispatcherMetrics {
	dispatcherMetricsOnce.Do(func() {
		sharedDispatcherMetrics = &dispatcherMetrics{
			execCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_tool_dispatch_total",
				Help: "Tool dispatches, by tool name and outcome.",
			}, []string{"tool_name", "status"}),
			execDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agent_tool_dispatch_duration_seconds",
				Help:    "Tool dispatch latency, by tool name.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			}, []string{"tool_name"}),
		}
	})
	return sharedDispatcherMetrics
}

// ToolExecConfig carries optional per-tool timeout overrides layered over
// the context default.
type ToolExecConfig struct {
	TimeoutMs int64
}

// Dispatcher drives a single tool call through validation, execution, and
// the started/side-events/finished emission order. Dispatches sharing a
// run_id are serialized by a refcounted per-run mutex so concurrent
// callers can never interleave tool executions within one run.
type Dispatcher struct {
	Registry  *Registry
	Emitter   *WalEmitter
	Gate      *SafetyGate
	Overrides map[string]ToolExecConfig

	metrics    *dispatcherMetrics
	runLocksMu sync.Mutex
	runLocks   map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewDispatcher constructs a Dispatcher over registry, emitting through
// emitter and sanitizing/redacting through gate.
func NewDispatcher(registry *Registry, emitter *WalEmitter, gate *SafetyGate) *Dispatcher {
	return &Dispatcher{
		Registry: registry,
		Emitter:  emitter,
		Gate:     gate,
		metrics:  getDispatcherMetrics(),
		runLocks: make(map[string]*runLock),
	}
}

// lockRun acquires the per-run dispatch mutex and returns its release
// function. Lock entries are refcounted and dropped when unused.
func (d *Dispatcher) lockRun(runID string) func() {
	if strings.TrimSpace(runID) == "" {
		return func() {}
	}

	d.runLocksMu.Lock()
	lock := d.runLocks[runID]
	if lock == nil {
		lock = &runLock{}
		d.runLocks[runID] = lock
	}
	lock.refs++
	d.runLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		d.runLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(d.runLocks, runID)
		}
		d.runLocksMu.Unlock()
	}
}

// effectiveTimeoutMs resolves the per-tool timeout: an Overrides entry for
// the tool narrows the context default; an override that is not shorter
// than a positive default leaves the default in place.
func (d *Dispatcher) effectiveTimeoutMs(toolName string, defaultMs int64) int64 {
	if cfg, ok := d.Overrides[toolName]; ok && cfg.TimeoutMs > 0 && (defaultMs <= 0 || cfg.TimeoutMs < defaultMs) {
		return cfg.TimeoutMs
	}
	return defaultMs
}

// ResultFromPayload builds a ToolResult whose Content is the payload's
// JSON wire form and whose Details is the structural mirror of that same
// payload: one source of truth for both the model-facing string and the
// tool_call_finished event.
func ResultFromPayload(payload ToolResultPayload, message string) ToolResult {
	content, _ := json.Marshal(payload)
	var details map[string]any
	_ = json.Unmarshal(content, &details)
	return ToolResult{
		OK:        payload.OK,
		Content:   string(content),
		ErrorKind: payload.ErrorKind,
		Message:   message,
		Details:   details,
	}
}

// FailedToolResult synthesizes the fail-closed ToolResult envelope for a
// tool-level error, with Content carrying the structured wire payload the
// model sees on the next turn.
func FailedToolResult(kind ToolResultErrorKind, message string) ToolResult {
	return ResultFromPayload(ToolResultPayload{
		OK:        false,
		Stderr:    message,
		ErrorKind: kind,
		Retryable: kind == ToolErrorTimeout,
	}, message)
}

// ensureDetails backfills Details as the parsed mirror of Content for
// handlers that only set the wire string. A non-JSON Content falls back to
// a minimal structural wrapper so the finished event always carries an
// object.
func ensureDetails(result *ToolResult) {
	if result.Details != nil {
		return
	}
	if result.Content != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(result.Content), &parsed); err == nil {
			result.Details = parsed
			return
		}
	}
	result.Details = map[string]any{"ok": result.OK, "content": result.Content}
}

// DispatchOne validates, executes, and reports one tool call.
func (d *Dispatcher) DispatchOne(ctx context.Context, call ToolCall, turnID, stepID string, execCtx *ToolExecutionContext) ToolResult {
	unlock := d.lockRun(execCtx.RunID)
	defer unlock()

	// Step 1: if raw_arguments is non-null and does not parse as JSON,
	// synthesize a failed ToolResult{error_kind=validation} and emit only
	// tool_call_finished (no tool_call_started).
	if len(call.RawArguments) > MaxToolParamsSize {
		result := FailedToolResult(ToolErrorValidation, fmt.Sprintf("tool parameters exceed %d bytes", MaxToolParamsSize))
		d.emitFinished(ctx, execCtx.RunID, call, turnID, stepID, result)
		d.recordMetrics(call.Name, "validation_error", 0)
		return result
	}
	if call.RawArguments != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(call.RawArguments), &parsed); err != nil {
			result := FailedToolResult(ToolErrorValidation, "raw_arguments did not parse as JSON")
			d.emitFinished(ctx, execCtx.RunID, call, turnID, stepID, result)
			d.recordMetrics(call.Name, "validation_error", 0)
			return result
		}
	}

	// Step 2: emit tool_call_started.
	d.Emitter.Emit(ctx, AgentEvent{
		Type:    EventToolCallStarted,
		RunID:   execCtx.RunID,
		TurnID:  turnID,
		StepID:  stepID,
		Payload: map[string]any{"call_id": call.CallID, "tool": call.Name},
	})

	start := time.Now()
	tool, ok := d.Registry.get(call.Name)
	if !ok {
		result := FailedToolResult(ToolErrorNotFound, "tool not found: "+call.Name)
		d.emitFinished(ctx, execCtx.RunID, call, turnID, stepID, result)
		d.recordMetrics(call.Name, "not_found", time.Since(start))
		return result
	}

	if err := tool.validateArgs(call); err != nil {
		result := FailedToolResult(ToolErrorValidation, err.Error())
		d.emitFinished(ctx, execCtx.RunID, call, turnID, stepID, result)
		d.recordMetrics(call.Name, "validation_error", time.Since(start))
		return result
	}

	// Step 3: invoke registry dispatch; side events the handler queued
	// via its event_sink are flushed now, preserving ordering
	// (started -> side events -> finished).
	var sideEvents []AgentEvent
	var sideMu sync.Mutex
	execCtx.gate = d.Gate
	execCtx.emitter = d.Emitter
	execCtx.sideSink = &sideEvents
	execCtx.sideMu = &sideMu

	execCtx.DefaultTimeoutMs = d.effectiveTimeoutMs(call.Name, execCtx.DefaultTimeoutMs)
	handlerCtx := ctx
	if execCtx.DefaultTimeoutMs > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, time.Duration(execCtx.DefaultTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := tool.handler(handlerCtx, call, execCtx)
	if err != nil {
		result = FailedToolResult(classifyHandlerError(err), err.Error())
	}
	ensureDetails(&result)

	for _, ev := range sideEvents {
		d.Emitter.StreamOnly(ctx, ev)
	}

	// Step 4: emit tool_call_finished with payload.result = ToolResult.details.
	d.emitFinished(ctx, execCtx.RunID, call, turnID, stepID, result)
	status := "success"
	if !result.OK {
		status = "error"
	}
	d.recordMetrics(call.Name, status, time.Since(start))
	return result
}

// classifyHandlerError maps a bare handler error onto the tool-level
// error_kind set; string matching is the last-resort classifier for
// handlers that return untyped errors.
func classifyHandlerError(err error) ToolResultErrorKind {
	if err == nil {
		return ToolErrorUnknownResult
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, context.Canceled):
		return ToolErrorCancelled
	case errors.Is(err, ErrPathEscapesWorkspace):
		return ToolErrorPermission
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ToolErrorTimeout
	case strings.Contains(msg, "cancel"):
		return ToolErrorCancelled
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return ToolErrorPermission
	case strings.Contains(msg, "not found"):
		return ToolErrorNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return ToolErrorValidation
	default:
		return ToolErrorUnknownResult
	}
}

// emitFinished emits tool_call_finished with payload.result set to the
// ToolResult's Details object (the structural mirror of Content), never a
// wrapper of the envelope itself; resume replay re-serializes this object
// as the reconstructed tool message.
func (d *Dispatcher) emitFinished(ctx context.Context, runID string, call ToolCall, turnID, stepID string, result ToolResult) {
	ensureDetails(&result)
	d.Emitter.Emit(ctx, AgentEvent{
		Type:   EventToolCallFinished,
		RunID:  runID,
		TurnID: turnID,
		StepID: stepID,
		Payload: map[string]any{
			"call_id": call.CallID,
			"tool":    call.Name,
			"result":  result.Details,
		},
	})
}

func (d *Dispatcher) recordMetrics(toolName, status string, duration time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.execCount.WithLabelValues(toolName, status).Inc()
	if duration > 0 {
		d.metrics.execDuration.WithLabelValues(toolName).Observe(duration.Seconds())
	}
}

// matchToolPattern supports exact names, the mcp:* prefix convention, and
// trailing .* suffix patterns.
func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}
