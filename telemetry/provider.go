package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetops/gateway/core"
)

// Provider implements core.Telemetry over the initialized OTel tracer,
// so components that accept the core interface get real spans once the
// composition root has called Initialize and core.NoOpTelemetry before.
type Provider struct {
	tracer   trace.Tracer
	registry *Registry
}

// StartSpan begins a span named name as a child of whatever span ctx
// already carries.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, sp := p.tracer.Start(ctx, name)
	return ctx, &span{sp: sp}
}

// RecordMetric routes through the same registry as every other emission.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	flat := make([]string, 0, len(labels)*2)
	for k, v := range labels {
		flat = append(flat, k, v)
	}
	p.registry.EmitWithContext(context.Background(), name, value, flat...)
}

type span struct {
	sp trace.Span
}

func (s *span) End() {
	s.sp.End()
}

func (s *span) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.sp.SetAttributes(attribute.String(key, v))
	case int:
		s.sp.SetAttributes(attribute.Int(key, v))
	case int64:
		s.sp.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.sp.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.sp.SetAttributes(attribute.Bool(key, v))
	default:
		s.sp.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *span) RecordError(err error) {
	if err == nil {
		return
	}
	s.sp.RecordError(err)
	s.sp.SetStatus(codes.Error, err.Error())
}
