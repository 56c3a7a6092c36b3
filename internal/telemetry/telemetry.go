// Package telemetry exports turn spans and log records over OTLP/HTTP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agentpilot/internal/project"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "agentpilot"

// Exporter owns the trace and log pipelines of one process.
type Exporter struct {
	traces *sdktrace.TracerProvider
	logs   *sdklog.LoggerProvider
}

// Start installs the pipelines described by the telemetry block of
// agentpilot.yaml as the global providers. With no otlp_endpoint it returns
// a nil Exporter and spans stay no-ops.
func Start(ctx context.Context, cfg project.TelemetryConfig) (*Exporter, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	headers := otlpHeaders(cfg.Headers)

	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}
	traceExp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint+"/v1/traces"),
		otlptracehttp.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	logExp, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpointURL(endpoint+"/v1/logs"),
		otlploghttp.WithHeaders(headers),
	)
	if err != nil {
		_ = traceExp.Shutdown(ctx)
		return nil, fmt.Errorf("log exporter: %w", err)
	}

	e := &Exporter{
		traces: sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res)),
		logs:   sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res)),
	}
	otel.SetTracerProvider(e.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	global.SetLoggerProvider(e.logs)
	return e, nil
}

func serviceResource(cfg project.TelemetryConfig) (*resource.Resource, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if v := strings.TrimSpace(cfg.ServiceVersion); v != "" {
		attrs = append(attrs, semconv.ServiceVersion(v))
	}
	// schemaless, so the merge keeps the SDK default schema url
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

// Shutdown flushes pending spans and records. A nil Exporter is a no-op.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	var errs []error
	if err := e.traces.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace pipeline: %w", err))
	}
	if err := e.logs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("log pipeline: %w", err))
	}
	return errors.Join(errs...)
}

// otlpHeaders parses otlp_headers, a comma separated list of key=value
// pairs. Pairs without "=" or with an empty key are skipped.
func otlpHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if k = strings.TrimSpace(k); !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
