// Package obstrace wires OpenTelemetry tracing for the graph executor and
// context builder, mirroring the teacher's pkg/observability/tracer.go:
// tracing is opt-in, and a disabled tracer is a noop provider so spans cost
// nothing when nobody is collecting them.
package obstrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls whether tracing is active.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Init installs a global TracerProvider per cfg and returns it so the
// caller can shut it down on exit. No exporter is attached here: the
// provider is ready for one (OTLP, stdout, etc.) to be registered via
// sdktrace.WithBatcher when a deployment wants spans collected somewhere;
// until then, spans are created, sampled, and dropped, which still
// exercises the instrumentation in executor and context-builder code paths.
func Init(ctx context.Context, cfg Config) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "saiverse"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer fetches a named tracer off the current global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
