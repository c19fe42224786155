package proxy

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger writes request and access events with trace correlation.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// LogHTTPRequest logs HTTP request details
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, login string) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	}
	if login != "" {
		attrs = append(attrs, slog.String("login", login))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}

	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

// LogAccessEvent logs an authentication, policy or rate limit rejection.
func (sl *StructuredLogger) LogAccessEvent(ctx context.Context, stage, command, login, reason string) {
	attrs := []slog.Attr{
		slog.String("stage", stage),
		slog.String("reason", reason),
	}
	if command != "" {
		attrs = append(attrs, slog.String("command", command))
	}
	if login != "" {
		attrs = append(attrs, slog.String("login", login))
	}
	attrs = appendTrace(ctx, attrs)

	sl.logger.LogAttrs(ctx, slog.LevelWarn, "Access denied", attrs...)
}

// LogExecution logs the outcome of a command execution.
func (sl *StructuredLogger) LogExecution(ctx context.Context, command string, code int, message string, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.Int("code", code),
		slog.Duration("duration", duration),
	}
	if message != "" {
		attrs = append(attrs, slog.String("message", message))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if code != 0 {
		level = slog.LevelError
	}
	sl.logger.LogAttrs(ctx, level, "Command executed", attrs...)
}

func appendTrace(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return attrs
	}
	return append(attrs,
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
