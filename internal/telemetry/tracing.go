// Package telemetry configures OpenTelemetry tracing for the DAL core.
//
// Custom span attributes use the `dalcore.` prefix. Deployments and
// iteration rounds each get a parent span; external calls hang off them.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chainlearn.io/dalcore"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("dalcore"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartDeploySpan creates the parent span for one deployment.
func StartDeploySpan(ctx context.Context, projectID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dalcore.deploy",
		trace.WithAttributes(
			attribute.String("dalcore.project_id", projectID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartRoundSpan creates the parent span for one active-learning round.
func StartRoundSpan(ctx context.Context, projectID string, round int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dalcore.round",
		trace.WithAttributes(
			attribute.String("dalcore.project_id", projectID),
			attribute.Int("dalcore.round", round),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartExternalSpan creates a child span for a governance, object-store or
// ML service call.
func StartExternalSpan(ctx context.Context, service, op string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dalcore."+service+"."+op,
		trace.WithAttributes(
			attribute.String("dalcore.service", service),
			attribute.String("dalcore.op", op),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
