package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "no paused invocation for token")
	assert.Equal(t, "[NOT_FOUND] no paused invocation for token", err.Error())

	err = err.WithWork("work-1")
	assert.Equal(t, "[NOT_FOUND] work work-1: no paused invocation for token", err.Error())
}

func TestHandoffError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeStore, "insert failed").WithCause(cause)
	assert.True(t, errors.Is(err, cause))
}

func TestHandoffError_Retryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeTimeout, "t").IsRetryable())
	assert.True(t, NewError(ErrCodeDelivery, "d").IsRetryable())
	assert.False(t, NewError(ErrCodeNotFound, "n").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "v").IsRetryable())
	assert.False(t, NewError(ErrCodeConflict, "c").IsRetryable())
}

func TestAsErrorInfo_RoundTrip(t *testing.T) {
	src := NewError(ErrCodeExecution, "provider unreachable").
		WithDetails(map[string]any{"provider": "acme"})

	info := AsErrorInfo(src)
	require.NotNil(t, info)
	assert.Equal(t, ErrCodeExecution, info.Code)
	assert.Equal(t, "provider unreachable", info.Message)
	assert.Equal(t, "acme", info.Details["provider"])

	back := info.AsError()
	assert.Equal(t, src.Code, back.Code)
	assert.Equal(t, src.Message, back.Message)
}

func TestAsErrorInfo_PlainError(t *testing.T) {
	info := AsErrorInfo(errors.New("timeout contacting provider"))
	require.NotNil(t, info)
	assert.Equal(t, ErrCodeExecution, info.Code)
	assert.Equal(t, "timeout contacting provider", info.Message)
}

func TestAsErrorInfo_Nil(t *testing.T) {
	assert.Nil(t, AsErrorInfo(nil))
}
