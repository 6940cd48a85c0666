package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fleetops/gateway/core"
)

// RetryConfig tunes exponential backoff between attempts.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// JitterEnabled randomizes each delay in [delay/2, delay) so a
	// fleet of gateways recovering from the same broker outage doesn't
	// reconnect in lockstep.
	JitterEnabled bool
}

// DefaultRetryConfig returns three attempts with 100ms initial backoff
// doubling to a 2s ceiling.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// RetryExecutor re-runs failed calls with backoff. Only errors the
// default classifier counts as infrastructure failures are retried;
// not-found, conflict, and authorization errors surface immediately,
// since retrying those burns the budget on answers that will not change.
type RetryExecutor struct {
	cfg    RetryConfig
	logger core.Logger
}

// NewRetryExecutor builds an executor, filling zero fields from
// DefaultRetryConfig.
func NewRetryExecutor(cfg *RetryConfig) *RetryExecutor {
	merged := *DefaultRetryConfig()
	if cfg != nil {
		if cfg.MaxAttempts > 0 {
			merged.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.InitialDelay > 0 {
			merged.InitialDelay = cfg.InitialDelay
		}
		if cfg.MaxDelay > 0 {
			merged.MaxDelay = cfg.MaxDelay
		}
		if cfg.BackoffFactor > 1 {
			merged.BackoffFactor = cfg.BackoffFactor
		}
		merged.JitterEnabled = cfg.JitterEnabled
	}
	return &RetryExecutor{cfg: merged}
}

// SetLogger attaches a logger for per-attempt diagnostics.
func (e *RetryExecutor) SetLogger(logger core.Logger) {
	e.logger = logger
}

// Execute runs fn up to MaxAttempts times. A canceled ctx aborts the
// wait between attempts with core.ErrContextCanceled; exhausting the
// budget returns core.ErrMaxRetriesExceeded wrapping the last error.
func (e *RetryExecutor) Execute(ctx context.Context, fn func() error) error {
	return e.run(ctx, fn, nil)
}

// ExecuteWithCircuitBreaker runs each attempt through cb. An open
// breaker ends the loop immediately: every further attempt would be
// rejected without reaching the dependency, so waiting out the backoff
// schedule buys nothing.
func (e *RetryExecutor) ExecuteWithCircuitBreaker(ctx context.Context, cb *CircuitBreaker, fn func() error) error {
	return e.run(ctx, fn, cb)
}

func (e *RetryExecutor) run(ctx context.Context, fn func() error, cb *CircuitBreaker) error {
	var lastErr error
	delay := e.cfg.InitialDelay

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if cb != nil {
			lastErr = cb.Execute(ctx, fn)
		} else {
			lastErr = fn()
		}
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, core.ErrCircuitBreakerOpen) {
			return lastErr
		}
		if !DefaultErrorClassifier(lastErr) {
			return lastErr
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		if e.logger != nil {
			e.logger.Debug("retrying after failure", map[string]interface{}{
				"attempt":  attempt,
				"max":      e.cfg.MaxAttempts,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
		}
		if err := sleep(ctx, e.jitter(delay)); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * e.cfg.BackoffFactor)
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}
	}
	return fmt.Errorf("resilience: %d attempts failed, last: %v: %w",
		e.cfg.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

func (e *RetryExecutor) jitter(d time.Duration) time.Duration {
	if !e.cfg.JitterEnabled || d <= 0 {
		return d
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half+1))
}

// sleep waits d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("resilience: canceled between attempts: %w", core.ErrContextCanceled)
	}
}
