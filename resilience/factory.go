package resilience

import "github.com/fleetops/gateway/core"

// ResilienceDependencies carries the cross-cutting collaborators a
// factory-built breaker or executor should use.
type ResilienceDependencies struct {
	Logger core.Logger
}

// CreateCircuitBreaker builds a breaker named name with default
// thresholds. Components with non-default needs (the catalog store's
// conflict-aware classifier, for one) call NewCircuitBreaker directly.
func CreateCircuitBreaker(name string, deps ResilienceDependencies) (*CircuitBreaker, error) {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Logger = deps.Logger
	return NewCircuitBreaker(cfg)
}

// CreateRetryExecutor builds an executor with the default backoff
// schedule and deps.Logger attached.
func CreateRetryExecutor(deps ResilienceDependencies) *RetryExecutor {
	e := NewRetryExecutor(nil)
	e.SetLogger(deps.Logger)
	return e
}
