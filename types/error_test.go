package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "code and message",
			err:  NewError(ErrDefinition, "duplicate step id"),
			want: "[DEFINITION_ERROR] duplicate step id",
		},
		{
			name: "with step",
			err:  NewError(ErrStepTimeout, "deadline exceeded").WithStep("codegen"),
			want: "[STEP_TIMEOUT] step codegen: deadline exceeded",
		},
		{
			name: "with cause",
			err:  NewError(ErrStateStoreWrite, "append failed").WithCause(errors.New("disk full")),
			want: "[STATE_STORE_WRITE] append failed: disk full",
		},
		{
			name: "with step and cause",
			err: NewError(ErrStepExecution, "agent returned error").
				WithStep("review").WithCause(errors.New("boom")),
			want: "[STEP_EXECUTION] step review: agent returned error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := NewError(ErrStateStoreRead, "replay failed").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestGetErrorCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrCircuitOpen, GetErrorCode(NewError(ErrCircuitOpen, "open")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}

func TestIsCode(t *testing.T) {
	t.Parallel()

	err := NewError(ErrGateFailure, "threshold not met")
	assert.True(t, IsCode(err, ErrGateFailure))
	assert.False(t, IsCode(err, ErrRunTimeout))

	wrapped := fmt.Errorf("context: %w", err)
	// IsCode does not unwrap; callers hold the typed error at the boundary.
	assert.False(t, IsCode(wrapped, ErrGateFailure))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(NewError(ErrStepExecution, "x").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrStepExecution, "x")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
