package telemetry

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments caches counters and histograms by name so hot paths can
// record measurements without re-creating instruments per call.
type MetricInstruments struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewMetricInstruments creates an instrument cache on the global meter
// provider under the given scope name.
func NewMetricInstruments(scope string) (*MetricInstruments, error) {
	return &MetricInstruments{
		meter:      otel.Meter(scope),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}, nil
}

// AddCounter increments a counter by delta with the given labels
func (m *MetricInstruments) AddCounter(name string, delta int64, labels map[string]string) {
	counter, err := m.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), delta, metric.WithAttributes(toAttributes(labels)...))
}

// RecordHistogram records a value on a histogram with the given labels
func (m *MetricInstruments) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram, err := m.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (m *MetricInstruments) counter(name string) (metric.Int64Counter, error) {
	m.mu.RLock()
	counter, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return counter, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, ok := m.counters[name]; ok {
		return counter, nil
	}
	counter, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = counter
	return counter, nil
}

func (m *MetricInstruments) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.RLock()
	histogram, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return histogram, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if histogram, ok := m.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	m.histograms[name] = histogram
	return histogram, nil
}

// toAttributes converts a label map into sorted attributes for stable
// cardinality accounting
func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}
