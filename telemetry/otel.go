// Package telemetry wires the orchestration core to OpenTelemetry. With an
// OTLP endpoint configured, traces and metrics ship over gRPC; without one,
// traces fall back to stdout and metrics stay on the no-op global provider.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalbridge/actioncore/core"
)

// OTelProvider implements core.Telemetry backed by OpenTelemetry
type OTelProvider struct {
	serviceName string
	tracer      trace.Tracer

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	instruments *MetricInstruments

	mu       sync.Mutex
	shutdown bool
}

// NewOTelProvider initializes tracing and metrics for the service. An empty
// endpoint selects the stdout trace exporter, which keeps local development
// dependency-free.
func NewOTelProvider(serviceName, endpoint string) (*OTelProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	var traceExporter sdktrace.SpanExporter
	var err error
	if endpoint != "" {
		traceExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	provider := &OTelProvider{
		serviceName:    serviceName,
		tracer:         tp.Tracer(serviceName),
		tracerProvider: tp,
	}

	if endpoint != "" {
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(15*time.Second))),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
	}

	instruments, err := NewMetricInstruments(serviceName)
	if err != nil {
		return nil, fmt.Errorf("creating metric instruments: %w", err)
	}
	provider.instruments = instruments

	return provider, nil
}

// StartSpan begins a span and returns it wrapped in the core interface
func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a float measurement on a cached histogram
func (p *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	if p.instruments == nil {
		return
	}
	p.instruments.RecordHistogram(name, value, labels)
}

// Instruments exposes the cached instrument registry
func (p *OTelProvider) Instruments() *MetricInstruments {
	return p.instruments
}

// Shutdown flushes and stops the providers
func (p *OTelProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil
	}
	p.shutdown = true

	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ core.Telemetry = (*OTelProvider)(nil)

// otelSpan adapts a trace.Span to core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
