package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassifiers(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("op failed: %w", err) }

	tests := []struct {
		name string
		fn   func(error) bool
		yes  []error
		no   []error
	}{
		{
			name: "IsRetryable",
			fn:   IsRetryable,
			yes:  []error{ErrBrokerUnavailable, ErrTimeout, ErrConnectionFailed, wrap(ErrTimeout)},
			no:   []error{ErrCommandNotFound, ErrInvalidClaim, ErrUnauthenticated, nil, errors.New("plain")},
		},
		{
			name: "IsNotFound",
			fn:   IsNotFound,
			yes:  []error{ErrCommandNotFound, ErrSessionNotFound, ErrApprovalNotFound, wrap(ErrCommandNotFound)},
			no:   []error{ErrAlreadyCompleted, ErrBrokerUnavailable, nil},
		},
		{
			name: "IsConfigurationError",
			fn:   IsConfigurationError,
			yes:  []error{ErrInvalidConfiguration, ErrMissingConfiguration, wrap(ErrMissingConfiguration)},
			no:   []error{ErrTimeout, nil},
		},
		{
			name: "IsStateError",
			fn:   IsStateError,
			yes:  []error{ErrAlreadyStarted, ErrNotInitialized, ErrAlreadyRegistered, ErrAlreadyCompleted},
			no:   []error{ErrCommandNotFound, ErrCanceled, nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, err := range tt.yes {
				assert.True(t, tt.fn(err), "%v should match", err)
			}
			for _, err := range tt.no {
				assert.False(t, tt.fn(err), "%v should not match", err)
			}
		})
	}
}

func TestFrameworkErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *FrameworkError
		want string
	}{
		{
			name: "op with id and cause",
			err:  &FrameworkError{Op: "queue.Claim", ID: "cmd-1", Err: ErrInvalidClaim},
			want: "queue.Claim [cmd-1]: invalid claim token",
		},
		{
			name: "op with cause",
			err:  &FrameworkError{Op: "queue.Claim", Err: ErrInvalidClaim},
			want: "queue.Claim: invalid claim token",
		},
		{
			name: "message only",
			err:  &FrameworkError{Kind: "hitl", Message: "policy cache poisoned"},
			want: "policy cache poisoned",
		},
		{
			name: "bare cause",
			err:  &FrameworkError{Err: ErrTimeout},
			want: "operation timeout",
		},
		{
			name: "kind fallback",
			err:  &FrameworkError{Kind: "broker"},
			want: "broker error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestFrameworkErrorUnwrapping(t *testing.T) {
	inner := &FrameworkError{Op: "broker.Get", Kind: "broker", Err: ErrBrokerUnavailable}
	outer := fmt.Errorf("readiness probe: %w", inner)

	assert.ErrorIs(t, outer, ErrBrokerUnavailable)
	assert.True(t, IsRetryable(outer))

	var fe *FrameworkError
	require.True(t, errors.As(outer, &fe))
	assert.Equal(t, "broker.Get", fe.Op)

	// errors.Is through two FrameworkError layers.
	doubled := &FrameworkError{Op: "httpapi.readyz", Kind: "httpapi", Err: inner}
	assert.ErrorIs(t, doubled, ErrBrokerUnavailable)
}

func TestNewFrameworkError(t *testing.T) {
	fe := NewFrameworkError("hitl.Decide", "hitl", ErrApprovalNotFound)
	assert.Equal(t, "hitl.Decide", fe.Op)
	assert.Equal(t, "hitl", fe.Kind)
	assert.ErrorIs(t, fe, ErrApprovalNotFound)
	assert.True(t, IsNotFound(fe))
}

func TestContextCanceledAlias(t *testing.T) {
	// The resilience package compares against ErrContextCanceled; both
	// names must refer to the same sentinel.
	assert.ErrorIs(t, ErrContextCanceled, ErrCanceled)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", ErrCanceled), ErrContextCanceled)
}
