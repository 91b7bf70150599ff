package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction; defaults already cover common secret shapes.
	RedactPatterns []string

	// RedactValues are literal secret values (length >= 4) scrubbed from
	// every record, independent of pattern matching.
	RedactValues []string
}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
// This layer is deliberately redundant with the runtime's own payload
// sanitization: logs and events are scrubbed independently.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

const redactionText = "<redacted>"

// NewLogger creates a redaction-aware *slog.Logger. Every string attribute
// and message passes through the redaction handler before it is written.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}
	var inner slog.Handler
	if strings.ToLower(config.Format) == "text" {
		inner = slog.NewTextHandler(config.Output, opts)
	} else {
		inner = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, p := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		patterns = append(patterns, re)
	}

	return slog.New(&RedactingHandler{
		inner:    inner,
		patterns: patterns,
		values:   config.RedactValues,
	})
}

// RedactingHandler is a slog.Handler that scrubs known secret values and
// secret-shaped strings from every record before delegating to the inner
// handler.
type RedactingHandler struct {
	inner    slog.Handler
	patterns []*regexp.Regexp
	values   []string
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redact(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		redacted = append(redacted, h.redactAttr(attr))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted), patterns: h.patterns, values: h.values}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), patterns: h.patterns, values: h.values}
}

func (h *RedactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redact(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		redacted := make([]any, 0, len(group))
		for _, sub := range group {
			redacted = append(redacted, h.redactAttr(sub))
		}
		return slog.Group(attr.Key, redacted...)
	default:
		return attr
	}
}

func (h *RedactingHandler) redact(s string) string {
	for _, v := range h.values {
		if len(v) >= 4 {
			s = strings.ReplaceAll(s, v, redactionText)
		}
	}
	for _, re := range h.patterns {
		s = re.ReplaceAllString(s, redactionText)
	}
	return s
}
