// Package telemetry wires the process-wide otel MeterProvider used by
// internal/metrics's observable gauges and the TracerProvider used by
// internal/runctx to emit spans keyed on correlation id, grounded on
// the teacher's full otel stack in go.mod (otel/sdk, otel/sdk/metric,
// otel/sdk/trace, otel/trace, otel/exporters/stdout/stdoutmetric,
// otel/exporters/stdout/stdouttrace,
// otel/exporters/otlp/otlpmetric/otlpmetrichttp). A stdout exporter is
// the default backend for both signals, exactly as the original's
// Prometheus client exposes a local /metrics endpoint rather than
// pushing anywhere; setting OTEL_EXPORTER_OTLP_ENDPOINT switches
// metrics to the OTLP/HTTP exporter for a real collector, matching how
// an operator would point this at a production backend.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs a global MeterProvider and TracerProvider and returns
// a combined shutdown func to flush and release both. Metrics export
// to OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set, otherwise to
// stdout; traces always export to stdout, since this engine has no
// distributed-span consumer of its own (spans exist so correlation-id-
// keyed traces are available to whatever backend an operator attaches).
func Setup(ctx context.Context, exportInterval time.Duration) (func(context.Context) error, error) {
	reader, err := newMetricReader(ctx, exportInterval)
	if err != nil {
		return nil, err
	}
	meterProvider := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)

	spanExporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build stdout span exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spanExporter))
	otel.SetTracerProvider(tracerProvider)

	return func(shutdownCtx context.Context) error {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
		}
		return meterProvider.Shutdown(shutdownCtx)
	}, nil
}

func newMetricReader(ctx context.Context, exportInterval time.Duration) (metric.Reader, error) {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build otlp metric exporter: %w", err)
		}
		return metric.NewPeriodicReader(exporter, metric.WithInterval(exportInterval)), nil
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build stdout metric exporter: %w", err)
	}
	return metric.NewPeriodicReader(exporter, metric.WithInterval(exportInterval)), nil
}
