// Package obs exposes the chat coordinator's phase-timing metrics
// through OpenTelemetry, with a lazy-cached instrument per metric name and
// a no-op implementation for tests.
package obs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the instrumentation seam every phase/stage timer writes
// through.
type Metrics interface {
	RecordPhaseDuration(ctx context.Context, phase string, d time.Duration)
	IncCounter(ctx context.Context, name string, attrs ...string)
}

// OtelMetrics records through an otel Meter, caching each instrument after
// first use since creating one per call would be wasteful.
type OtelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
}

func NewOtelMetrics(meter metric.Meter) *OtelMetrics {
	return &OtelMetrics{
		meter:      meter,
		histograms: make(map[string]metric.Float64Histogram),
		counters:   make(map[string]metric.Int64Counter),
	}
}

func (m *OtelMetrics) RecordPhaseDuration(ctx context.Context, phase string, d time.Duration) {
	h := m.histogramFor("chat_phase_duration_seconds")
	if h == nil {
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("phase", phase)))
}

// IncCounter increments name by one. attrs is a flat key, value, key,
// value, ... list; an odd-length list drops its trailing key.
func (m *OtelMetrics) IncCounter(ctx context.Context, name string, attrs ...string) {
	c := m.counterFor(name)
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(toAttributes(attrs)...))
}

func toAttributes(kv []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return out
}

func (m *OtelMetrics) histogramFor(name string) metric.Float64Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil
	}
	m.histograms[name] = h
	return h
}

func (m *OtelMetrics) counterFor(name string) metric.Int64Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil
	}
	m.counters[name] = c
	return c
}

// MockMetrics discards everything; used by tests that don't care about
// instrumentation.
type MockMetrics struct{}

func (MockMetrics) RecordPhaseDuration(ctx context.Context, phase string, d time.Duration) {}
func (MockMetrics) IncCounter(ctx context.Context, name string, attrs ...string)            {}
