package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WAL is the append-only event log contract. Where events go is an
// injected interface, so backends stay pluggable.
type WAL interface {
	// Append writes ev and returns its 0-based monotonic index within
	// this backend instance. Thread-safe under contention.
	Append(ev AgentEvent) (int, error)

	// IterEvents yields events in append order, optionally filtered by
	// runID (empty string means all runs). The returned slice is a
	// snapshot taken under lock.
	IterEvents(runID string) ([]AgentEvent, error)

	// Locator returns an opaque string identifying this WAL instance:
	// a filesystem path, or a wal://... URI for other backends.
	Locator() string
}

// walMetrics are the prometheus counters/histograms layered over WAL
// append.
type walMetrics struct {
	appendCount    *prometheus.CounterVec
	appendDuration *prometheus.HistogramVec
}

var (
	walMetricsOnce   sync.Once
	sharedWALMetrics *walMetrics
)

func getWALMetrics() *walMetrics {
	walMetricsOnce.Do(func() {
		sharedWALMetrics = &walMetrics{
			appendCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_wal_append_total",
				Help: "Number of events appended to the WAL, by backend and event type.",
			}, []string{"backend", "event_type"}),
			appendDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agent_wal_append_duration_seconds",
				Help:    "Latency of WAL append calls, by backend.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			}, []string{"backend"}),
		}
	})
	return sharedWALMetrics
}

// runsDirName is the directory under the workspace root holding per-run
// state (WAL, artifacts).
const runsDirName = ".skills_runtime_sdk/runs"

// RunDir returns the per-run state directory for runID under workspaceRoot.
func RunDir(workspaceRoot, runID string) string {
	return filepath.Join(workspaceRoot, runsDirName, runID)
}

// ArtifactsDir returns the artifacts directory for runID under
// workspaceRoot.
func ArtifactsDir(workspaceRoot, runID string) string {
	return filepath.Join(RunDir(workspaceRoot, runID), "artifacts")
}

// EventsPath returns the JSONL event log path for runID under
// workspaceRoot.
func EventsPath(workspaceRoot, runID string) string {
	return filepath.Join(RunDir(workspaceRoot, runID), "events.jsonl")
}

// FileWAL is the filesystem JSONL backend. Append writes a single-line
// JSON object per event; unknown top-level keys are tolerated by the
// reader.
type FileWAL struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	index   int
	metrics *walMetrics
}

// NewFileWAL opens (creating if necessary) a JSONL WAL at path. The
// parent directory is created on first use.
func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w := &FileWAL{
		path:    path,
		file:    f,
		writer:  bufio.NewWriter(f),
		metrics: getWALMetrics(),
	}
	existing, err := w.readAllLocked()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.index = len(existing)
	return w, nil
}

func (w *FileWAL) readAllLocked() ([]AgentEvent, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeJSONL(data)
}

func decodeJSONL(data []byte) ([]AgentEvent, error) {
	var events []AgentEvent
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(trimSpace(line)) == 0 {
				continue
			}
			var ev AgentEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				return nil, fmt.Errorf("wal: decode line: %w", err)
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}

// Append implements WAL.
func (w *FileWAL) Append(ev AgentEvent) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal event: %w", err)
	}
	if _, err := w.writer.Write(line); err != nil {
		return 0, fmt.Errorf("wal: write event: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return 0, err
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	idx := w.index
	w.index++
	if w.metrics != nil {
		w.metrics.appendCount.WithLabelValues("file", string(ev.Type)).Inc()
		w.metrics.appendDuration.WithLabelValues("file").Observe(time.Since(start).Seconds())
	}
	return idx, nil
}

// IterEvents implements WAL.
func (w *FileWAL) IterEvents(runID string) ([]AgentEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	events, err := w.readAllLocked()
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return events, nil
	}
	filtered := make([]AgentEvent, 0, len(events))
	for _, ev := range events {
		if ev.RunID == runID {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

// Locator implements WAL.
func (w *FileWAL) Locator() string {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return w.path
	}
	return abs
}

// Close flushes and closes the underlying file.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// MemoryWAL is the in-memory backend: a mutex-guarded slice.
type MemoryWAL struct {
	mu      sync.Mutex
	events  []AgentEvent
	locator string
	metrics *walMetrics
}

// NewMemoryWAL creates an in-memory WAL. locator, if empty, is assigned a
// stable synthetic wal:// URI unique to this instance.
func NewMemoryWAL(locator string) *MemoryWAL {
	if locator == "" {
		locator = "wal://memory/" + uuid.NewString()
	}
	return &MemoryWAL{locator: locator, metrics: getWALMetrics()}
}

// Append implements WAL.
func (w *MemoryWAL) Append(ev AgentEvent) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := len(w.events)
	w.events = append(w.events, ev)
	if w.metrics != nil {
		w.metrics.appendCount.WithLabelValues("memory", string(ev.Type)).Inc()
	}
	return idx, nil
}

// IterEvents implements WAL.
func (w *MemoryWAL) IterEvents(runID string) ([]AgentEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot := make([]AgentEvent, len(w.events))
	copy(snapshot, w.events)
	if runID == "" {
		return snapshot, nil
	}
	filtered := make([]AgentEvent, 0, len(snapshot))
	for _, ev := range snapshot {
		if ev.RunID == runID {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

// Locator implements WAL.
func (w *MemoryWAL) Locator() string { return w.locator }
