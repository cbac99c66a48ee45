package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsHandler(cfg CORSConfig) http.Handler {
	return CORS(cfg)(okHandler())
}

func TestCORS_AllowedOrigin_EchoesWithCredentials(t *testing.T) {
	h := corsHandler(CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		Environment:    "production",
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", rr.Header().Get("Vary"))
}

func TestCORS_UnlistedOrigin_NoHeaders(t *testing.T) {
	h := corsHandler(CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		Environment:    "production",
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_WildcardOnlyInDevelopment(t *testing.T) {
	for env, want := range map[string]string{
		"development": "https://localhost:5173",
		"production":  "",
	} {
		t.Run(env, func(t *testing.T) {
			h := corsHandler(CORSConfig{AllowedOrigins: []string{"*"}, Environment: env})

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			req.Header.Set("Origin", "https://localhost:5173")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, want, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.NotEqual(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS(CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		Environment:    "production",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Equal(t, "600", rr.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_NoOrigin_PassesThrough(t *testing.T) {
	h := corsHandler(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_ExposesCorrelationID(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	h := corsHandler(cfg)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, CorrelationIDHeader, rr.Header().Get("Access-Control-Expose-Headers"))
}
