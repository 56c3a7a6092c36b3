package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"agentpilot/internal/project"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Setup builds the process logger and installs it as the slog default.
// Records go to the OTLP log pipeline when telemetry is enabled, otherwise
// to w as text or JSON.
func Setup(cfg project.RootConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case cfg.Telemetry.Enabled():
		handler = otelslog.NewHandler(
			cfg.Telemetry.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		)
	case strings.EqualFold(cfg.Log.Format, "json"):
		handler = NewTraceHandler(slog.NewJSONHandler(w, opts))
	default:
		handler = NewTraceHandler(slog.NewTextHandler(w, opts))
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

// TraceHandler adds the span ids and chat scope of the record's context.
type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	r.AddAttrs(ScopeFrom(ctx).attrs()...)

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
