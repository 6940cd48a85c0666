package telemetry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry is the gateway's one funnel for metric emission. It implements
// core.MetricsRegistry, so components emit through the interface core
// exposes and never import this package directly; only the composition
// root and the resilience package touch telemetry by name.
//
// Instruments are created lazily and cached by metric name. A cardinality
// limit bounds the number of distinct (name, label-set) series: a buggy
// caller that puts a command id in a label exhausts its budget and gets
// dropped, instead of growing the exporter's memory without bound.
type Registry struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
	gauges   map[string]metric.Float64Gauge
	hists    map[string]metric.Float64Histogram

	seriesLimit int
	series      map[string]struct{}
	dropped     uint64
	warned      map[string]struct{}
}

func newRegistry(meter metric.Meter, seriesLimit int) *Registry {
	return &Registry{
		meter:       meter,
		counters:    make(map[string]metric.Float64Counter),
		gauges:      make(map[string]metric.Float64Gauge),
		hists:       make(map[string]metric.Float64Histogram),
		seriesLimit: seriesLimit,
		series:      make(map[string]struct{}),
		warned:      make(map[string]struct{}),
	}
}

// Counter increments the named counter by one.
func (r *Registry) Counter(name string, labels ...string) {
	r.add(context.Background(), name, 1, labels)
}

// Gauge records the current value of the named gauge.
func (r *Registry) Gauge(name string, value float64, labels ...string) {
	attrs, ok := r.admit(name, labels)
	if !ok {
		return
	}
	g := r.gauge(name)
	if g == nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// Histogram records value into the named distribution.
func (r *Registry) Histogram(name string, value float64, labels ...string) {
	attrs, ok := r.admit(name, labels)
	if !ok {
		return
	}
	h := r.hist(name)
	if h == nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// EmitWithContext emits a metric with ctx's baggage merged into the
// labels, routing on the metric name: *_total and *_count increment a
// counter, duration/latency/*_ms and *_bytes record a histogram, and
// everything else sets a gauge.
func (r *Registry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	labels = appendBaggage(ctx, labels)
	switch {
	case strings.HasSuffix(name, "_total") || strings.HasSuffix(name, "_count"):
		r.add(ctx, name, value, labels)
	case strings.Contains(name, "duration") || strings.Contains(name, "latency") ||
		strings.HasSuffix(name, "_ms") || strings.HasSuffix(name, "_bytes"):
		r.Histogram(name, value, labels...)
	default:
		r.Gauge(name, value, labels...)
	}
}

// GetBaggage exposes ctx's metric baggage, for callers that need the
// labels themselves rather than an emission.
func (r *Registry) GetBaggage(ctx context.Context) map[string]string {
	return GetBaggage(ctx)
}

// Dropped returns how many emissions the cardinality limit has discarded.
func (r *Registry) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Registry) add(ctx context.Context, name string, value float64, labels []string) {
	attrs, ok := r.admit(name, labels)
	if !ok {
		return
	}
	c := r.counter(name)
	if c == nil {
		return
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// admit converts labels to attributes and enforces the series budget.
// Returns ok=false when the emission must be dropped.
func (r *Registry) admit(name string, labels []string) ([]attribute.KeyValue, bool) {
	attrs := toAttributes(labels)
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.series[key]; !seen {
		if len(r.series) >= r.seriesLimit {
			r.dropped++
			r.warned[name] = struct{}{}
			return nil, false
		}
		r.series[key] = struct{}{}
	}
	return attrs, true
}

func (r *Registry) counter(name string) metric.Float64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	r.counters[name] = c
	return c
}

func (r *Registry) gauge(name string) metric.Float64Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g, err := r.meter.Float64Gauge(name)
	if err != nil {
		return nil
	}
	r.gauges[name] = g
	return g
}

func (r *Registry) hist(name string) metric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hists[name]; ok {
		return h
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	r.hists[name] = h
	return h
}

// toAttributes converts alternating key/value strings to OTel attributes.
// A trailing key with no value is dropped rather than invented.
func toAttributes(labels []string) []attribute.KeyValue {
	n := len(labels) / 2
	if n == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, n)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func seriesKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.Grow(len(name) + len(labels)*8)
	b.WriteString(name)
	for _, l := range labels {
		b.WriteByte('|')
		b.WriteString(l)
	}
	return b.String()
}
