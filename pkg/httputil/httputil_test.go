package httputil

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
	"github.com/btachinardi/lemon-todo-sub000/pkg/validator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *ErrorResponse {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestWriteJSON_SetsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"key":"value"}`, rec.Body.String())
}

func TestWriteError_AppError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/register", nil)

	WriteError(rec, req, apperrors.AlreadyExists("user", "email", "a@b.com"), testLogger())

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_EXISTS", decodeError(t, rec).Code)
}

func TestWriteError_UnauthenticatedMatchesWriteUnauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)

	viaErr := httptest.NewRecorder()
	WriteError(viaErr, req, fmt.Errorf("rotate: %w", apperrors.Unauthenticated()), testLogger())

	viaSentinel := httptest.NewRecorder()
	WriteError(viaSentinel, req, apperrors.ErrUnauthorized, testLogger())

	direct := httptest.NewRecorder()
	WriteUnauthenticated(direct)

	assert.Equal(t, http.StatusUnauthorized, viaErr.Code)
	assert.Equal(t, http.StatusUnauthorized, viaSentinel.Code)
	assert.Equal(t, http.StatusUnauthorized, direct.Code)
	assert.Equal(t, direct.Body.String(), viaErr.Body.String())
	assert.Equal(t, direct.Body.String(), viaSentinel.Body.String())
}

func TestWriteError_InternalHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)

	WriteError(rec, req, apperrors.Internal(fmt.Errorf("SELECT id FROM users: conn refused")), testLogger())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "SELECT")
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}

func TestWriteError_UnknownError_Returns500(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)

	WriteError(rec, req, fmt.Errorf("pgconn: broken pipe"), testLogger())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pgconn")
}

func TestWriteError_SentinelNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/users/x/deactivate", nil)

	WriteError(rec, req, fmt.Errorf("get user: %w", apperrors.ErrNotFound), testLogger())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestWriteValidationError_Fields(t *testing.T) {
	type input struct {
		Email string `json:"email" validate:"required,email"`
	}
	err := validator.Validate(input{Email: "nope"})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	WriteValidationError(rec, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", e.Code)
	assert.Contains(t, e.Fields, "email")
}

func TestWriteValidationError_NonValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteValidationError(rec, fmt.Errorf("decode request body: unexpected EOF"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "INVALID_INPUT", e.Code)
	assert.NotContains(t, e.Message, "EOF")
}

func TestParseUUID(t *testing.T) {
	rec := httptest.NewRecorder()
	id, ok := ParseUUID(rec, "550e8400-e29b-41d4-a716-446655440000")
	assert.True(t, ok)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", id.String())

	rec = httptest.NewRecorder()
	_, ok = ParseUUID(rec, "not-a-uuid")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAMETER", decodeError(t, rec).Code)
}
