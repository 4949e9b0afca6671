// Package telemetry wires the global OpenTelemetry providers used by
// internal/kv and internal/oplog. Every tracer and meter
// elsewhere in the engine is obtained from the global otel package
// (otel.Tracer(...)/otel.Meter(...)), which is a safe no-op until Init
// installs real providers — callers that never call Init still run
// correctly, just without exported telemetry.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and releases the providers installed by Init.
type Shutdown func(context.Context) error

// Options configures Init. A zero Options is valid and produces a
// stdout-exporting setup suitable for local development; production
// deployments are expected to override Exporter wiring at a higher
// layer (out of this engine's scope).
type Options struct {
	ServiceName string
}

// Init installs a global TracerProvider and MeterProvider that export to
// stdout, and returns a function to flush and close them. Safe to call
// more than once; each call replaces the previous global providers.
func Init(ctx context.Context, opts Options) (Shutdown, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "cache-engine"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(opts.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: build metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}
