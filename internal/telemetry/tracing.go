package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a tracer for the "nanolambda" instrumentation scope.
// When enabled is false it returns otel's global no-op tracer, so span
// calls elsewhere in the codebase are free to be unconditional. When
// true, spans are printed to w as they complete — one console exporter
// per process is enough; there is no longer-lived service to export to.
func NewTracer(ctx context.Context, enabled bool, w io.Writer) (trace.Tracer, func(context.Context) error, error) {
	if !enabled {
		return otel.Tracer("nanolambda"), func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("nanolambda")))
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(0)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Tracer("nanolambda"), tp.Shutdown, nil
}
