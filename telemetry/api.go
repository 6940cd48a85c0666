package telemetry

import (
	"context"
	"time"
)

// Package-level emission helpers. Every one of these is a no-op until
// Initialize has run, so library code can emit unconditionally without
// owning a registry handle.

// Counter increments the named counter by one.
func Counter(name string, labels ...string) {
	if r := GetRegistry(); r != nil {
		r.Counter(name, labels...)
	}
}

// Gauge records the current value of the named gauge.
func Gauge(name string, value float64, labels ...string) {
	if r := GetRegistry(); r != nil {
		r.Gauge(name, value, labels...)
	}
}

// Histogram records value into the named distribution.
func Histogram(name string, value float64, labels ...string) {
	if r := GetRegistry(); r != nil {
		r.Histogram(name, value, labels...)
	}
}

// EmitWithContext emits with ctx's baggage merged into the labels.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if r := GetRegistry(); r != nil {
		r.EmitWithContext(ctx, name, value, labels...)
	}
}

// Duration records the elapsed time since start, in milliseconds, into
// the named histogram. Use with defer:
//
//	defer telemetry.Duration("queue.claim.duration_ms", time.Now(), "device", id)
func Duration(name string, start time.Time, labels ...string) {
	Histogram(name, float64(time.Since(start).Milliseconds()), labels...)
}
