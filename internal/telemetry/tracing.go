// Package telemetry wires OpenTelemetry tracing and metrics around the
// Decision Engine's evaluation path, grounded on the same stdout-exporter
// pattern the example pack uses for development tracing: a batching span
// processor over stdouttrace, no collector required to see spans locally.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
)

const tracerName = "github.com/toolgate/gateway"

// Provider owns the tracer and meter providers and their shutdown.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// NewProvider builds a tracer and meter provider that export to stdout and
// installs them as the process-global providers. Disabled mode returns a
// no-op Provider whose Shutdown is a no-op, so callers don't need to branch.
func NewProvider(ctx context.Context, enabled bool, serviceName string) (*Provider, error) {
	if !enabled {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(mp)

	return &Provider{tracerProvider: tp, meterProvider: mp}, nil
}

// Shutdown flushes and stops both providers. Safe to call on a disabled
// Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the gateway's tracer. Safe to call whether or not
// telemetry is enabled -- otel.Tracer falls back to a no-op implementation
// when no provider has been set.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartDecisionSpan starts a span around one Decision Engine evaluation.
func StartDecisionSpan(ctx context.Context, service, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "decision.evaluate",
		trace.WithAttributes(
			attribute.String("toolgate.service", service),
			attribute.String("toolgate.tool", tool),
		),
	)
}

// EndDecisionSpan records the outcome and reason on span and ends it.
func EndDecisionSpan(span trace.Span, outcome, reason string) {
	span.SetAttributes(
		attribute.String("toolgate.outcome", outcome),
		attribute.String("toolgate.reason", reason),
	)
	span.End()
}

// RegisterBundleRevisionGauge installs an observable gauge that reports the
// bundle revision currently being served, sampled at export time rather
// than on every Decision Engine call.
func RegisterBundleRevisionGauge(currentRevision func() int64) error {
	meter := otel.Meter(tracerName)
	gauge, err := meter.Int64ObservableGauge(
		"toolgate.bundle.revision",
		metric.WithDescription("Revision number of the bundle snapshot currently served"),
	)
	if err != nil {
		return fmt.Errorf("telemetry: register bundle revision gauge: %w", err)
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, currentRevision())
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("telemetry: register bundle revision callback: %w", err)
	}
	return nil
}
