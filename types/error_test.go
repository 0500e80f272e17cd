package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrAuthentication, "sessionid cookie expired")
	assert.Equal(t, "[AUTHENTICATION] sessionid cookie expired", err.Error())

	cause := errors.New("boom")
	err = NewError(ErrUpstreamError, "request failed").WithCause(cause)
	assert.Contains(t, err.Error(), "boom")
	assert.ErrorIs(t, err, cause)
}

func TestError_Builders(t *testing.T) {
	err := NewError(ErrInsufficientBalance, "no credits").
		WithHTTPStatus(402).
		WithPlatform("jimeng").
		WithRetryable(false)

	assert.Equal(t, 402, err.HTTPStatus)
	assert.Equal(t, "jimeng", err.Platform)
	assert.False(t, err.Retryable)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(NewError(ErrBusinessRejected, "ret=1234")))
	assert.True(t, IsRetryable(NewError(ErrUpstreamError, "timeout").WithRetryable(true)))

	// wrapped errors still classify
	wrapped := fmt.Errorf("attempt 2: %w", NewError(ErrUpstreamError, "reset").WithRetryable(true))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, ErrUpstreamError, GetErrorCode(wrapped))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrTimeout, GetErrorCode(NewError(ErrTimeout, "45m elapsed")))
}
