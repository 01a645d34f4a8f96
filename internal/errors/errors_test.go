// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorCodeValues verifies all error codes have distinct non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrValidation, ErrNotFound,
		ErrDatabase, ErrMigration, ErrConfigInvalid,
		ErrNetworkFailure, ErrAuthFailure, ErrResolution,
		ErrSyncNotConfigured, ErrSyncAlreadyInProgress, ErrSyncPermanentPushFailure,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

// TestAppErrorMessage verifies the formatted message with and without a cause.
func TestAppErrorMessage(t *testing.T) {
	plain := New(ErrNotFound, "record r1 not found")
	assert.Equal(t, "[NOT_FOUND] record r1 not found", plain.Error())

	wrapped := Wrap(ErrDatabase, "insert failed", errors.New("disk full"))
	assert.Equal(t, "[DATABASE_ERROR] insert failed: disk full", wrapped.Error())

	formatted := Newf(ErrValidation, "field %q is required", "name")
	assert.Equal(t, `[VALIDATION_ERROR] field "name" is required`, formatted.Error())
}

// TestIs_throughWrapping verifies codes are found through fmt.Errorf chains.
func TestIs_throughWrapping(t *testing.T) {
	base := New(ErrNetworkFailure, "connection reset")
	err := fmt.Errorf("pull: %w", base)

	assert.True(t, Is(err, ErrNetworkFailure))
	assert.False(t, Is(err, ErrAuthFailure))
	assert.False(t, Is(nil, ErrNetworkFailure))
	assert.False(t, Is(errors.New("plain"), ErrNetworkFailure))
}

// TestIs_nestedAppErrors verifies an inner code is visible under an outer one.
func TestIs_nestedAppErrors(t *testing.T) {
	inner := New(ErrAuthFailure, "token expired")
	outer := Wrap(ErrSyncPermanentPushFailure, "giving up", inner)

	assert.True(t, Is(outer, ErrSyncPermanentPushFailure))
	assert.True(t, Is(outer, ErrAuthFailure))
	assert.Equal(t, ErrSyncPermanentPushFailure, CodeOf(outer))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

// TestRetryable verifies only network failures are retryable.
func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", New(ErrNetworkFailure, "timeout"), true},
		{"wrapped network", fmt.Errorf("push: %w", New(ErrNetworkFailure, "timeout")), true},
		{"auth", New(ErrAuthFailure, "denied"), false},
		{"resolution", New(ErrResolution, "id mismatch"), false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

// TestUnwrap verifies errors.Is reaches the wrapped cause.
func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(ErrInternal, "outer", cause)
	assert.True(t, errors.Is(err, cause))
}
