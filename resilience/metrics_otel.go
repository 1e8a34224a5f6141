package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsSink receives resilience telemetry. Implementations must be safe
// for concurrent use and must never block the request path.
type MetricsSink interface {
	RecordAttempt(platform string, attempt int, success bool)
	RecordRetryDelay(platform string, delay time.Duration)
	RecordBreakerTransition(executor, from, to string)
	RecordBreakerRejection(executor string)
}

// NoOpMetrics discards all measurements
type NoOpMetrics struct{}

func (NoOpMetrics) RecordAttempt(platform string, attempt int, success bool) {}
func (NoOpMetrics) RecordRetryDelay(platform string, delay time.Duration)    {}
func (NoOpMetrics) RecordBreakerTransition(executor, from, to string)        {}
func (NoOpMetrics) RecordBreakerRejection(executor string)                   {}

var _ MetricsSink = (*NoOpMetrics)(nil)
var _ MetricsSink = (*OTelMetrics)(nil)

// OTelMetrics exports resilience measurements through the global
// OpenTelemetry meter provider.
type OTelMetrics struct {
	attempts    metric.Int64Counter
	retryDelay  metric.Float64Histogram
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider. Call
// after telemetry initialization so the instruments bind to the real
// provider rather than the no-op default.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("actioncore/resilience")

	attempts, err := meter.Int64Counter("actioncore.retry.attempts",
		metric.WithDescription("Execution attempts by platform and outcome"))
	if err != nil {
		return nil, err
	}
	retryDelay, err := meter.Float64Histogram("actioncore.retry.delay_seconds",
		metric.WithDescription("Delay before each retry"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("actioncore.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("actioncore.circuit.rejections",
		metric.WithDescription("Requests rejected by an open circuit breaker"))
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		attempts:    attempts,
		retryDelay:  retryDelay,
		transitions: transitions,
		rejections:  rejections,
	}, nil
}

func (m *OTelMetrics) RecordAttempt(platform string, attempt int, success bool) {
	m.attempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.Bool("success", success),
		attribute.Bool("retry", attempt > 1),
	))
}

func (m *OTelMetrics) RecordRetryDelay(platform string, delay time.Duration) {
	m.retryDelay.Record(context.Background(), delay.Seconds(), metric.WithAttributes(
		attribute.String("platform", platform),
	))
}

func (m *OTelMetrics) RecordBreakerTransition(executor, from, to string) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("executor", executor),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *OTelMetrics) RecordBreakerRejection(executor string) {
	m.rejections.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("executor", executor),
	))
}
