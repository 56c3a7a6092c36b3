package logger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentpilot"

// Span traces one turn or one member response. Without a configured
// tracer provider it is a no-op.
type Span struct {
	span trace.Span
}

// StartSpan starts a child of the span in ctx. The returned context carries
// the new span, so records logged with it get its trace and span ids.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

func (s *Span) Set(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

// Finish ends the span, marking it failed when err is set.
func (s *Span) Finish(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
