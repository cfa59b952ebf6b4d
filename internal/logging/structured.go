package logging

import (
	"io"
	"log/slog"
	"os"
)

// Options configures the operational logger.
type Options struct {
	Format string // "text" (default) or "json"
	Level  string // see SetLevelFromString
	Output io.Writer
	// Component, when set, is attached to every line as "component".
	Component string
}

// Configure replaces the operational logger.
func Configure(o Options) {
	SetLevelFromString(o.Level)
	out := o.Output
	if out == nil {
		out = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler = slog.NewTextHandler(out, hopts)
	if o.Format == "json" {
		h = slog.NewJSONHandler(out, hopts)
	}

	l := slog.New(h)
	if o.Component != "" {
		l = l.With("component", o.Component)
	}
	opLogger.Store(l)
}

// InitStructured configures the operational logger on stderr.
func InitStructured(format, level string) {
	Configure(Options{Format: format, Level: level})
}

// ForCall returns the operational logger annotated with the identifiers of
// one invocation. Empty identifiers are left out.
func ForCall(requestID, traceID, spanID string) *slog.Logger {
	var args []any
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if traceID != "" {
		args = append(args, "trace_id", traceID)
		if spanID != "" {
			args = append(args, "span_id", spanID)
		}
	}
	l := opLogger.Load()
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}
