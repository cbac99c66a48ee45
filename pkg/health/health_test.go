package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.HandlerFunc) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestLivenessHandler_AlwaysReturns200(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("postgres", func(ctx context.Context) error { return errors.New("down") })

	code, resp := serve(t, h.LivenessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusUp, resp.Status)
	assert.Empty(t, resp.Checks)
}

func TestReadinessHandler_NoCheckers(t *testing.T) {
	code, resp := serve(t, NewHandler().ReadinessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusUp, resp.Status)
}

func TestReadinessHandler_NonCriticalDown_ReturnsDegraded200(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("postgres", func(ctx context.Context) error { return nil })
	h.RegisterNonCritical("kafka", func(ctx context.Context) error { return fmt.Errorf("broker unreachable") })

	code, resp := serve(t, h.ReadinessHandler())

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Checks["postgres"].Critical)
	assert.Equal(t, StatusDown, resp.Checks["kafka"].Status)
	assert.False(t, resp.Checks["kafka"].Critical)
}

func TestReadinessHandler_CriticalDown_Returns503(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("postgres", func(ctx context.Context) error { return fmt.Errorf("connection refused") })
	h.RegisterNonCritical("redis", func(ctx context.Context) error { return fmt.Errorf("redis down") })

	code, resp := serve(t, h.ReadinessHandler())

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusDown, resp.Status)
	assert.Equal(t, StatusDown, resp.Checks["postgres"].Status)
}

func TestRegister_IsCriticalByDefault(t *testing.T) {
	h := NewHandler()
	h.Register("db", func(ctx context.Context) error { return fmt.Errorf("fail") })

	code, resp := serve(t, h.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.True(t, resp.Checks["db"].Critical)
}

func TestRegister_Overwrite(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("db", func(ctx context.Context) error { return fmt.Errorf("fail") })
	h.RegisterCritical("db", func(ctx context.Context) error { return nil })

	code, resp := serve(t, h.ReadinessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusUp, resp.Checks["db"].Status)
}

func TestCheck_TimesOutHangingChecker(t *testing.T) {
	h := NewHandler()
	h.timeout = 20 * time.Millisecond
	h.RegisterNonCritical("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	resp := h.Check(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusDown, resp.Checks["redis"].Status)
}

func TestReadinessHandler_FailureDetailStaysInLogs(t *testing.T) {
	var logs bytes.Buffer
	h := NewHandler(WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	h.RegisterCritical("postgres", func(ctx context.Context) error {
		return errors.New("dial tcp 10.0.3.7:5432: password authentication failed for user \"auth\"")
	})

	rec := httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "10.0.3.7")
	assert.NotContains(t, body, "password authentication failed")
	assert.NotContains(t, body, "error")
	assert.Contains(t, body, `"postgres":{"status":"down","critical":true}`)

	assert.Contains(t, logs.String(), "password authentication failed")
	assert.Contains(t, logs.String(), `"check":"postgres"`)
}
