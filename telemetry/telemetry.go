// Package telemetry wires the gateway into OpenTelemetry. A single
// Initialize call from the composition root stands up trace and metric
// export and registers the metrics registry with core, which is what
// upgrades logger-embedded metric emission and the resilience package's
// breaker/retry instrumentation from no-ops to real OTLP export. Nothing
// here starts on import; a gateway that never calls Initialize runs with
// every telemetry path compiled down to a cheap nil check.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	"github.com/fleetops/gateway/core"
)

// Config selects the exporters and limits for one Initialize call.
type Config struct {
	Enabled     bool
	ServiceName string

	// Endpoint is the OTLP collector address. An http:// or https://
	// prefix selects the OTLP/HTTP exporter; a bare host:port selects
	// OTLP/gRPC. Empty disables metric export and, unless Provider is
	// "stdout", trace export as well.
	Endpoint string

	// Provider picks the trace exporter family: "otel" (default, OTLP
	// per Endpoint) or "stdout" (development, spans to stderr).
	Provider string

	// SamplingRate is the head-sampling ratio in [0,1]. Zero means 1.0;
	// the gateway's traffic is low enough that full sampling is the
	// sensible default.
	SamplingRate float64

	// CardinalityLimit caps the number of distinct metric series the
	// registry will create before dropping new ones. Zero means 10000.
	CardinalityLimit int

	// MetricInterval is the periodic-reader export cadence. Zero means 30s.
	MetricInterval time.Duration

	// Insecure disables TLS on OTLP connections. Development only.
	Insecure bool
}

// Validate rejects configurations Initialize could only half-apply.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry: service name is required: %w", core.ErrMissingConfiguration)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("telemetry: sampling rate %v outside [0,1]: %w", c.SamplingRate, core.ErrInvalidConfiguration)
	}
	if c.Provider != "" && c.Provider != "otel" && c.Provider != "stdout" {
		return fmt.Errorf("telemetry: unknown provider %q: %w", c.Provider, core.ErrInvalidConfiguration)
	}
	if c.CardinalityLimit < 0 {
		return fmt.Errorf("telemetry: negative cardinality limit: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

type state struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *Registry
	provider       *Provider
	serviceName    string
}

var (
	mu     sync.RWMutex
	active *state
)

// Initialize stands up trace and metric export per cfg and registers the
// metrics registry with core. Calling it twice without a Shutdown in
// between returns core.ErrAlreadyStarted; a disabled config is a no-op.
func Initialize(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return fmt.Errorf("telemetry: initialize called twice: %w", core.ErrAlreadyStarted)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("telemetry: building resource: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sampling := cfg.SamplingRate
	if sampling == 0 {
		sampling = 1.0
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampling))),
	}
	exp, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return err
	}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Endpoint != "" {
		mexp, err := newMetricExporter(ctx, cfg)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return err
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(interval)),
		))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	limit := cfg.CardinalityLimit
	if limit <= 0 {
		limit = 10000
	}
	reg := newRegistry(mp.Meter("gateway"), limit)
	prov := &Provider{tracer: tp.Tracer(cfg.ServiceName), registry: reg}

	active = &state{
		tracerProvider: tp,
		meterProvider:  mp,
		registry:       reg,
		provider:       prov,
		serviceName:    cfg.ServiceName,
	}
	core.SetMetricsRegistry(reg)
	return nil
}

func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Provider == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		return exp, nil
	}
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(hostport(cfg.Endpoint)),
		}
		if cfg.Insecure || strings.HasPrefix(cfg.Endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: OTLP/HTTP trace exporter: %w", err)
		}
		return exp, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: OTLP/gRPC trace exporter: %w", err)
	}
	return exp, nil
}

func newMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(hostport(cfg.Endpoint)),
	}
	if cfg.Insecure || strings.HasPrefix(cfg.Endpoint, "http://") {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: OTLP metric exporter: %w", err)
	}
	return exp, nil
}

// hostport strips the URL scheme the OTLP option helpers don't accept.
func hostport(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

// Initialized reports whether Initialize has completed. The resilience
// package checks this before paying for metric emission on hot paths.
func Initialized() bool {
	mu.RLock()
	defer mu.RUnlock()
	return active != nil
}

// GetRegistry returns the live metrics registry, or nil before Initialize.
func GetRegistry() *Registry {
	mu.RLock()
	defer mu.RUnlock()
	if active == nil {
		return nil
	}
	return active.registry
}

// GetProvider returns the span provider as core.Telemetry, or nil.
func GetProvider() core.Telemetry {
	mu.RLock()
	defer mu.RUnlock()
	if active == nil {
		return nil
	}
	return active.provider
}

// Shutdown flushes both exporters and returns the package to its
// uninitialized state. Safe to call without a prior Initialize.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	s := active
	active = nil
	mu.Unlock()
	if s == nil {
		return nil
	}

	core.SetMetricsRegistry(nil)
	var firstErr error
	if err := s.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("telemetry: tracer shutdown: %w", err)
	}
	if err := s.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("telemetry: meter shutdown: %w", err)
	}
	return firstErr
}
