package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidInput, ErrUnauthorized,
		ErrForbidden, ErrServiceUnavail,
	}

	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinels %d and %d should be distinct", i, j)
		}
	}
}

func TestAppError_ErrorString_WithWrappedError(t *testing.T) {
	inner := fmt.Errorf("db connection lost")
	appErr := &AppError{Code: "INTERNAL_ERROR", Message: "something broke", Err: inner}
	assert.Contains(t, appErr.Error(), "INTERNAL_ERROR")
	assert.Contains(t, appErr.Error(), "something broke")
	assert.Contains(t, appErr.Error(), "db connection lost")
}

func TestAppError_ErrorString_WithoutWrappedError(t *testing.T) {
	appErr := &AppError{Code: "NOT_FOUND", Message: "user not found"}
	assert.Equal(t, "NOT_FOUND: user not found", appErr.Error())
}

func TestAppError_Unwrap_Nil(t *testing.T) {
	appErr := &AppError{Code: "TEST", Message: "test"}
	assert.Nil(t, appErr.Unwrap())
}

func TestNotFound(t *testing.T) {
	err := NotFound("user", "abc-123")
	require.NotNil(t, err)
	assert.Equal(t, "NOT_FOUND", err.Code)
	assert.Contains(t, err.Message, "abc-123")
	assert.Equal(t, http.StatusNotFound, err.Status)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("user", "email", "a@b.com")
	require.NotNil(t, err)
	assert.Equal(t, "ALREADY_EXISTS", err.Code)
	assert.Contains(t, err.Message, "a@b.com")
	assert.Equal(t, http.StatusConflict, err.Status)
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestUnauthenticated_MessageIsFixed(t *testing.T) {
	a := Unauthenticated()
	b := Unauthenticated()
	assert.Equal(t, "UNAUTHORIZED", a.Code)
	assert.Equal(t, AuthenticationFailedMessage, a.Message)
	assert.Equal(t, a.Message, b.Message)
	assert.Equal(t, http.StatusUnauthorized, a.Status)
	assert.True(t, errors.Is(a, ErrUnauthorized))
}

func TestForbidden(t *testing.T) {
	err := Forbidden("admin role required")
	assert.Equal(t, "FORBIDDEN", err.Code)
	assert.Equal(t, http.StatusForbidden, err.Status)
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestInternal_HidesCause(t *testing.T) {
	err := Internal(fmt.Errorf("pg: connection reset"))
	assert.Equal(t, "an internal error occurred", err.Message)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, http.StatusInternalServerError, err.Status)
}

func TestUnavailable(t *testing.T) {
	cause := fmt.Errorf("redis down")
	err := Unavailable(cause)
	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.True(t, errors.Is(err, ErrServiceUnavail))
	assert.True(t, errors.Is(err, cause))
}

func TestIsUnauthenticated(t *testing.T) {
	assert.True(t, IsUnauthenticated(Unauthenticated()))
	assert.True(t, IsUnauthenticated(fmt.Errorf("login: %w", ErrUnauthorized)))
	assert.False(t, IsUnauthenticated(Unavailable(errors.New("redis down"))))
	assert.False(t, IsUnauthenticated(errors.New("boom")))
}

func TestHTTPStatus_SentinelErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrServiceUnavail, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestHTTPStatus_WrappedAppError(t *testing.T) {
	wrapped := fmt.Errorf("refresh: %w", Unauthenticated())
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(wrapped))
}

func TestHTTPStatus_UnknownError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("unknown")))
}
