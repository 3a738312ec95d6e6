package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/config"
)

// Logger wraps slog.Logger with app daemon-specific functionality.
//
// It provides structured logging with default fields, level-based filtering
// and an optional record sink that feeds log callbacks.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
	tee *teeHandler
}

// Record is the subset of a log record delivered to log callbacks.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Source  string // component or app attribute, if present
	Message string
}

// Sink receives every record that passes the level filter.
// It must not block; dispatch work should be queued elsewhere.
type Sink func(Record)

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service name, version)
//   - Output destination
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "graylogic-appd"),
		slog.String("version", version),
	})

	tee := &teeHandler{inner: handler, sink: &sinkHolder{}}

	return &Logger{
		Logger: slog.New(tee),
		tee:    tee,
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
// The record sink is shared with the parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		tee:    l.tee,
	}
}

// SetSink installs the record sink that feeds log callbacks.
// Passing nil removes it.
func (l *Logger) SetSink(sink Sink) {
	l.tee.setSink(sink)
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// sinkHolder shares one mutable sink between a root handler and every
// derived handler, so SetSink takes effect on loggers created earlier.
type sinkHolder struct {
	mu   sync.RWMutex
	sink Sink
}

func (s *sinkHolder) get() Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

func (s *sinkHolder) set(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// teeHandler forwards records to the inner handler and, if installed,
// to the record sink.
type teeHandler struct {
	inner slog.Handler
	attrs []slog.Attr
	sink  *sinkHolder
}

func (h *teeHandler) setSink(sink Sink) {
	h.sink.set(sink)
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if sink := h.sink.get(); sink != nil {
		rec := Record{
			Time:    r.Time,
			Level:   r.Level,
			Message: r.Message,
		}
		for _, a := range h.attrs {
			if a.Key == "component" || a.Key == "app" {
				rec.Source = a.Value.String()
			}
		}
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" || a.Key == "app" {
				rec.Source = a.Value.String()
			}
			return true
		})
		sink(rec)
	}

	return h.inner.Handle(ctx, r)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &teeHandler{
		inner: h.inner.WithAttrs(attrs),
		attrs: merged,
		sink:  h.sink,
	}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{
		inner: h.inner.WithGroup(name),
		attrs: h.attrs,
		sink:  h.sink,
	}
}
