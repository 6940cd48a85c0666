package telemetry

import "context"

// Baggage carries labels a caller wants stamped onto every metric a
// downstream code path emits: a request handler tags the tenant once and
// the command queue's emissions pick it up without threading labels
// through every signature.
type baggageKeyType struct{}

var baggageKey = baggageKeyType{}

// WithBaggage returns a context carrying the given alternating key/value
// labels, merged over any baggage already present. A trailing key with no
// value is ignored.
func WithBaggage(ctx context.Context, labels ...string) context.Context {
	if len(labels) < 2 {
		return ctx
	}
	existing := GetBaggage(ctx)
	merged := make(map[string]string, len(existing)+len(labels)/2)
	for k, v := range existing {
		merged[k] = v
	}
	for i := 0; i+1 < len(labels); i += 2 {
		merged[labels[i]] = labels[i+1]
	}
	return context.WithValue(ctx, baggageKey, merged)
}

// GetBaggage returns the labels carried by ctx. The returned map is the
// stored one; callers must not mutate it.
func GetBaggage(ctx context.Context) map[string]string {
	m, _ := ctx.Value(baggageKey).(map[string]string)
	return m
}

// appendBaggage flattens ctx's baggage under labels. Baggage goes first:
// the OTel attribute set keeps the last value for a duplicate key, so an
// explicit label always beats an ambient one.
func appendBaggage(ctx context.Context, labels []string) []string {
	bag := GetBaggage(ctx)
	if len(bag) == 0 {
		return labels
	}
	out := make([]string, 0, len(labels)+len(bag)*2)
	for k, v := range bag {
		out = append(out, k, v)
	}
	return append(out, labels...)
}
