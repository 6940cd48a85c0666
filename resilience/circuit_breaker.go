// Package resilience wraps the gateway's outbound dependencies (the
// Redis broker and the Postgres catalog store) in circuit breakers and
// retry-with-backoff, so a wedged dependency fails fast instead of
// queuing goroutines behind dead connections.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/gateway/core"
	"github.com/fleetops/gateway/telemetry"
)

// CircuitState is the breaker's position: closed passes calls through,
// open rejects them immediately, half-open lets a bounded probe set
// through to test recovery.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether an error counts against the breaker.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts only infrastructure failures. A
// not-found, a state mismatch, an authorization refusal, or a canceled
// context all mean the dependency answered; tripping on them would take
// a healthy dependency offline because callers asked the wrong question.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	if core.IsNotFound(err) || core.IsStateError(err) || core.IsConfigurationError(err) {
		return false
	}
	if errors.Is(err, core.ErrUnauthenticated) || errors.Is(err, core.ErrUnauthorized) ||
		errors.Is(err, core.ErrInvalidClaim) || errors.Is(err, core.ErrConcurrentUpdateConflict) {
		return false
	}
	return true
}

// CircuitBreakerConfig tunes one breaker instance.
type CircuitBreakerConfig struct {
	// Name labels log lines and metrics, e.g. "broker" or "catalog".
	Name string

	// FailureThreshold is how many consecutive counted failures open
	// the circuit.
	FailureThreshold int

	// SuccessThreshold is how many consecutive half-open successes
	// close it again.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before allowing
	// half-open probes.
	OpenTimeout time.Duration

	// HalfOpenMaxInFlight bounds concurrent probes while half-open.
	HalfOpenMaxInFlight int

	// ErrorClassifier decides which errors count. Nil means
	// DefaultErrorClassifier.
	ErrorClassifier ErrorClassifier

	// Logger receives state-transition events. Nil means silent.
	Logger core.Logger
}

// DefaultConfig returns the settings both the broker and catalog start
// from: five consecutive failures open the circuit for thirty seconds,
// three successful probes close it.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    3,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxInFlight: 3,
	}
}

// Validate rejects configurations that could never trip or never recover.
func (c *CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("resilience: failure threshold must be positive: %w", core.ErrInvalidConfiguration)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("resilience: success threshold must be positive: %w", core.ErrInvalidConfiguration)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("resilience: open timeout must be positive: %w", core.ErrInvalidConfiguration)
	}
	if c.HalfOpenMaxInFlight <= 0 {
		return fmt.Errorf("resilience: half-open in-flight bound must be positive: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker is a consecutive-failure breaker. All state lives under
// one mutex; the guarded section never spans the protected call itself,
// so a slow dependency holds no lock while it hangs.
type CircuitBreaker struct {
	name       string
	cfg        CircuitBreakerConfig
	classifier ErrorClassifier
	logger     core.Logger

	mu             sync.Mutex
	state          CircuitState
	failures       int // consecutive counted failures while closed
	probeSuccesses int // consecutive successes while half-open
	probesInFlight int
	openedAt       time.Time

	totalSuccesses  uint64
	totalFailures   uint64
	totalRejections uint64
	transitions     uint64
}

// NewCircuitBreaker builds a breaker from cfg, filling zero fields from
// DefaultConfig.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) (*CircuitBreaker, error) {
	merged := *DefaultConfig()
	if cfg != nil {
		if cfg.Name != "" {
			merged.Name = cfg.Name
		}
		if cfg.FailureThreshold != 0 {
			merged.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.SuccessThreshold != 0 {
			merged.SuccessThreshold = cfg.SuccessThreshold
		}
		if cfg.OpenTimeout != 0 {
			merged.OpenTimeout = cfg.OpenTimeout
		}
		if cfg.HalfOpenMaxInFlight != 0 {
			merged.HalfOpenMaxInFlight = cfg.HalfOpenMaxInFlight
		}
		merged.ErrorClassifier = cfg.ErrorClassifier
		merged.Logger = cfg.Logger
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	classifier := merged.ErrorClassifier
	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	name := merged.Name
	if name == "" {
		name = "default"
	}
	return &CircuitBreaker{
		name:       name,
		cfg:        merged,
		classifier: classifier,
		logger:     merged.Logger,
	}, nil
}

// SetLogger replaces the breaker's logger. Useful when the breaker is
// built before the composition root has a logger to hand out.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	cb.mu.Lock()
	cb.logger = logger
	cb.mu.Unlock()
}

// Execute runs fn under the breaker. While open it returns
// core.ErrCircuitBreakerOpen without calling fn; a canceled ctx is
// reported as core.ErrContextCanceled before fn runs.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resilience: %s: %w", cb.name, core.ErrContextCanceled)
	}
	probing, err := cb.admit()
	if err != nil {
		return err
	}
	callErr := fn()
	cb.record(probing, callErr)
	return callErr
}

// ExecuteWithTimeout runs fn under the breaker with an upper bound on
// how long the caller waits. fn itself cannot be interrupted; it runs
// to completion in the background and its verdict still lands on the
// breaker, but the caller gets core.ErrTimeout at the deadline.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resilience: %s: %w", cb.name, core.ErrContextCanceled)
	}
	probing, err := cb.admit()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case callErr := <-done:
		cb.record(probing, callErr)
		return callErr
	case <-timer.C:
		go func() {
			cb.record(probing, <-done)
		}()
		return fmt.Errorf("resilience: %s: call exceeded %v: %w", cb.name, timeout, core.ErrTimeout)
	case <-ctx.Done():
		go func() {
			cb.record(probing, <-done)
		}()
		return fmt.Errorf("resilience: %s: %w", cb.name, core.ErrContextCanceled)
	}
}

// admit decides whether a call may proceed, transitioning open→half-open
// once the open timeout has elapsed. The returned flag marks the call as
// a half-open probe so record can release its slot.
func (cb *CircuitBreaker) admit() (probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.OpenTimeout {
			cb.totalRejections++
			cb.emitLocked("resilience.rejections_total")
			return false, fmt.Errorf("resilience: %s: %w", cb.name, core.ErrCircuitBreakerOpen)
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probesInFlight = 1
		return true, nil
	default: // StateHalfOpen
		if cb.probesInFlight >= cb.cfg.HalfOpenMaxInFlight {
			cb.totalRejections++
			cb.emitLocked("resilience.rejections_total")
			return false, fmt.Errorf("resilience: %s: %w", cb.name, core.ErrCircuitBreakerOpen)
		}
		cb.probesInFlight++
		return true, nil
	}
}

// record applies a call's outcome to the breaker state.
func (cb *CircuitBreaker) record(probing bool, callErr error) {
	counted := callErr != nil && cb.classifier(callErr)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probing && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}

	if counted {
		cb.totalFailures++
		cb.emitLocked("resilience.failures_total")
		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			// One failed probe re-opens; recovery starts over.
			cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.totalSuccesses++
	cb.emitLocked("resilience.successes_total")
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

// transitionLocked moves to newState. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.transitions++
	cb.failures = 0
	cb.probeSuccesses = 0
	if newState == StateOpen {
		cb.openedAt = time.Now()
		cb.probesInFlight = 0
	}
	if cb.logger != nil {
		cb.logger.Warn("circuit breaker state change", map[string]interface{}{
			"breaker": cb.name,
			"from":    old.String(),
			"to":      newState.String(),
		})
	}
	if telemetry.Initialized() {
		telemetry.Counter("resilience.transitions_total",
			"breaker", cb.name, "from", old.String(), "to", newState.String())
		telemetry.Gauge("resilience.state", float64(newState), "breaker", cb.name)
	}
}

// emitLocked emits a per-outcome counter. Caller holds cb.mu; the
// telemetry call itself never blocks.
func (cb *CircuitBreaker) emitLocked(name string) {
	if telemetry.Initialized() {
		telemetry.Counter(name, "breaker", cb.name)
	}
}

// CanExecute reports whether Execute would currently admit a call,
// without consuming a half-open probe slot.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(cb.openedAt) >= cb.cfg.OpenTimeout
	default:
		return cb.probesInFlight < cb.cfg.HalfOpenMaxInFlight
	}
}

// GetState returns the current state name: "closed", "open", "half-open".
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns a snapshot for the internal metrics endpoint.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":                 cb.name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.failures,
		"successes":            cb.totalSuccesses,
		"failures":             cb.totalFailures,
		"rejections":           cb.totalRejections,
		"state_transitions":    cb.transitions,
	}
}

// Reset forces the breaker closed and clears all counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.probeSuccesses = 0
	cb.totalSuccesses = 0
	cb.totalFailures = 0
	cb.totalRejections = 0
	cb.probesInFlight = 0
}
