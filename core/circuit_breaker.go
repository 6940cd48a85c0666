package core

import (
	"context"
	"time"
)

// CircuitBreaker is the abstract surface the HTTP layer uses to report
// breaker health without importing the resilience package. The concrete
// implementation lives in resilience; the broker adapter and catalog
// store expose theirs through a CircuitBreaker() accessor, and the
// internal metrics endpoint renders GetState/GetMetrics from here.
type CircuitBreaker interface {
	// Execute runs fn under the breaker. While the circuit is open it
	// returns ErrCircuitBreakerOpen without calling fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout additionally bounds how long the caller waits
	// on fn.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns "closed", "open", or "half-open".
	GetState() string

	// GetMetrics returns a snapshot of call and transition counts.
	GetMetrics() map[string]interface{}

	// Reset forces the breaker closed and clears its counts.
	Reset()

	// CanExecute reports whether a call would currently be admitted.
	CanExecute() bool
}
