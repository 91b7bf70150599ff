package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Hook is called for every event after it is durably appended to the WAL
// and before it is streamed. Hook errors are swallowed: observability
// faults never abort the run.
type Hook func(ctx context.Context, ev AgentEvent)

// StreamFunc delivers an event to the run's live consumer (SSE, channel,
// CLI).
type StreamFunc func(ctx context.Context, ev AgentEvent)

// WalEmitter is the single exit point for all event production.
//
// Ordering is an invariant: Emit always appends to the WAL before any hook
// or stream consumer observes the event.
type WalEmitter struct {
	wal    WAL
	hooks  []Hook
	stream StreamFunc
	logger *slog.Logger
	tracer trace.Tracer

	tsMu   sync.Mutex
	lastTS time.Time
}

// NewWalEmitter constructs an emitter over wal. The hook slice is copied
// at construction and never mutated afterwards.
func NewWalEmitter(wal WAL, hooks []Hook, stream StreamFunc, logger *slog.Logger, tracer trace.Tracer) *WalEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	hooksCopy := make([]Hook, len(hooks))
	copy(hooksCopy, hooks)
	return &WalEmitter{wal: wal, hooks: hooksCopy, stream: stream, logger: logger, tracer: tracer}
}

// stamp assigns the event timestamp (UTC) if unset, clamped so timestamps
// are monotonic non-decreasing per emitter instance.
func (e *WalEmitter) stamp(ev *AgentEvent) {
	e.tsMu.Lock()
	defer e.tsMu.Unlock()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}
	if ts.Before(e.lastTS) {
		ts = e.lastTS
	}
	e.lastTS = ts
	ev.Timestamp = ts
}

// Emit appends ev to the WAL, then invokes each hook (best-effort), then
// invokes the stream callback, always in that order.
func (e *WalEmitter) Emit(ctx context.Context, ev AgentEvent) (int, error) {
	e.stamp(&ev)
	idx, err := e.wal.Append(ev)
	if err != nil {
		e.logger.Error("wal append failed", "error", err, "run_id", ev.RunID, "event_type", ev.Type)
		return 0, err
	}
	e.runHooksAndStream(ctx, ev)
	return idx, nil
}

// StreamOnly invokes hooks and the stream callback without appending to
// the WAL, used when a component has already appended the event itself
// (e.g. tool-side events buffered via Append below).
func (e *WalEmitter) StreamOnly(ctx context.Context, ev AgentEvent) {
	e.runHooksAndStream(ctx, ev)
}

// Append writes ev to the WAL only, without invoking hooks or the stream
// callback. Used when buffering tool-side events for ordered flush after
// approval bookkeeping.
func (e *WalEmitter) Append(ev AgentEvent) (int, error) {
	e.stamp(&ev)
	idx, err := e.wal.Append(ev)
	if err != nil {
		e.logger.Error("wal append failed", "error", err, "run_id", ev.RunID, "event_type", ev.Type)
	}
	return idx, err
}

func (e *WalEmitter) runHooksAndStream(ctx context.Context, ev AgentEvent) {
	if e.tracer != nil {
		_, span := e.tracer.Start(ctx, "agent.event_emit", trace.WithAttributes(
			attribute.String("event.type", string(ev.Type)),
			attribute.String("run.id", ev.RunID),
		))
		defer span.End()
	}

	for _, hook := range e.hooks {
		e.invokeHookSafely(ctx, hook, ev)
	}
	if e.stream != nil {
		e.stream(ctx, ev)
	}
}

// invokeHookSafely recovers from a panicking hook so observability faults
// never abort the run.
func (e *WalEmitter) invokeHookSafely(ctx context.Context, hook Hook, ev AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("event hook panicked", "panic", r, "event_type", ev.Type, "run_id", ev.RunID)
		}
	}()
	hook(ctx, ev)
}

// Locator returns the underlying WAL's locator.
func (e *WalEmitter) Locator() string { return e.wal.Locator() }
