package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/btachinardi/lemon-todo-sub000/internal/audit"
	"github.com/btachinardi/lemon-todo-sub000/internal/auth"
	"github.com/btachinardi/lemon-todo-sub000/internal/clock"
	"github.com/btachinardi/lemon-todo-sub000/internal/directory"
	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	"github.com/btachinardi/lemon-todo-sub000/internal/repository/memory"
	"github.com/btachinardi/lemon-todo-sub000/internal/rotation"
	"github.com/btachinardi/lemon-todo-sub000/internal/service"
	"github.com/btachinardi/lemon-todo-sub000/pkg/health"
	"github.com/btachinardi/lemon-todo-sub000/pkg/middleware"
)

const (
	password         = "Secret123"
	unauthorizedBody = `{"error":{"code":"UNAUTHORIZED","message":"authentication failed"}}`
)

type testServer struct {
	handler http.Handler
	users   *memory.UserRepository
	clock   *clock.Fixed
	audit   *audit.Recorder
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, dir directory.Directory) *testServer {
	t.Helper()
	ids := clock.NewRandomIDs()
	clk := clock.NewFixed(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	users := memory.NewUserRepository()
	store := memory.NewRefreshTokenStore(ids, 7*24*time.Hour)
	if dir == nil {
		dir = directory.NewRepositoryDirectory(users)
	}

	codec, err := auth.NewCodec(auth.Config{Secret: []byte("0123456789abcdef0123456789abcdef")}, ids)
	require.NoError(t, err)
	creds, err := service.NewPasswordVerifier(users, bcrypt.MinCost)
	require.NoError(t, err)

	rec := &audit.Recorder{}
	engine := rotation.NewEngine(store, dir, codec, discardLogger())
	svc := service.NewSessionService(users, creds, engine, dir, codec, rec, clk, discardLogger(),
		service.WithBcryptCost(bcrypt.MinCost))

	h := NewRouter(svc, health.NewHandler(), RouterConfig{CORS: middleware.DefaultCORSConfig()}, discardLogger())
	return &testServer{handler: h, users: users, clock: clk, audit: rec}
}

func (s *testServer) do(method, path, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func withCookie(secret string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: secret})
	}
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == RefreshCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", RefreshCookieName)
	return nil
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var out SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *testServer) register(t *testing.T, email string) (SessionResponse, string) {
	t.Helper()
	rec := s.do(http.MethodPost, "/auth/register",
		`{"email":"`+email+`","password":"`+password+`","displayName":"Alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeSession(t, rec), refreshCookie(t, rec).Value
}

func TestRegister_SetsCookieAndReturnsSession(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/auth/register",
		`{"email":"alice@example.com","password":"Secret123","displayName":"Alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	c := refreshCookie(t, rec)
	assert.NotEmpty(t, c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, "/auth", c.Path)
	assert.Equal(t, s.clock.Now().Add(7*24*time.Hour), c.Expires.UTC())

	body := decodeSession(t, rec)
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, "alice@example.com", body.User.Email)
	assert.NotContains(t, rec.Body.String(), "passwordHash")
	assert.NotContains(t, rec.Body.String(), c.Value, "refresh secret must only travel in the cookie")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestRegister_ValidationAndConflict(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"weak password", `{"email":"a@example.com","password":"weak","displayName":"A"}`, http.StatusBadRequest},
		{"bad email", `{"email":"nope","password":"Secret123","displayName":"A"}`, http.StatusBadRequest},
		{"missing name", `{"email":"a@example.com","password":"Secret123"}`, http.StatusBadRequest},
		{"unknown field", `{"email":"a@example.com","password":"Secret123","displayName":"A","role":"admin"}`, http.StatusBadRequest},
		{"malformed", `{"email":`, http.StatusBadRequest},
		{"ok", `{"email":"a@example.com","password":"Secret123","displayName":"A"}`, http.StatusOK},
		{"duplicate", `{"email":"A@example.com","password":"Secret123","displayName":"B"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/auth/register", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestRegister_RejectsNonJSONContentType(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/auth/register", `{}`, func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain")
	})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestLogin_FailuresShareOneBody(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "alice@example.com")
	inactive, _ := s.register(t, "bob@example.com")
	require.NoError(t, s.users.SetActive(context.Background(), inactive.User.ID, false, s.clock.Now()))

	for _, body := range []string{
		`{"email":"alice@example.com","password":"Wrong1234"}`,
		`{"email":"nobody@example.com","password":"Secret123"}`,
		`{"email":"bob@example.com","password":"Secret123"}`,
	} {
		rec := s.do(http.MethodPost, "/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, unauthorizedBody, rec.Body.String())
		assert.Empty(t, rec.Result().Cookies())
	}

	rec := s.do(http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"Secret123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, refreshCookie(t, rec).Value)
}

func TestRefresh_RotatesCookie(t *testing.T) {
	s := newTestServer(t, nil)
	_, c1 := s.register(t, "alice@example.com")

	s.clock.Advance(time.Minute)
	rec := s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, s.clock.Now().Add(auth.DefaultAccessTTL), body.ExpiresAt.UTC())

	c2 := refreshCookie(t, rec).Value
	assert.NotEqual(t, c1, c2)
}

func TestRefresh_RejectionsAreUniform(t *testing.T) {
	s := newTestServer(t, nil)
	_, c1 := s.register(t, "alice@example.com")
	s.clock.Advance(time.Minute)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1)).Code)
	s.clock.Advance(time.Hour)

	cases := map[string][]func(*http.Request){
		"no cookie":    nil,
		"empty cookie": {withCookie("")},
		"unknown":      {withCookie("never-issued")},
		"oversized":    {withCookie(strings.Repeat("a", 5000))},
		"reused":       {withCookie(c1)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/auth/refresh", "", opts...)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, unauthorizedBody, rec.Body.String())
		})
	}
}

func TestLogout_AlwaysOK(t *testing.T) {
	s := newTestServer(t, nil)
	_, c1 := s.register(t, "alice@example.com")

	for _, opts := range [][]func(*http.Request){
		{withCookie(c1)},
		{withCookie(c1)},
		{withCookie("never-issued")},
		nil,
	} {
		rec := s.do(http.MethodPost, "/auth/logout", "", opts...)
		assert.Equal(t, http.StatusOK, rec.Code)
		c := refreshCookie(t, rec)
		assert.Empty(t, c.Value)
		assert.Equal(t, -1, c.MaxAge)
		assert.Equal(t, "/auth", c.Path)
	}

	rec := s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	s := newTestServer(t, nil)
	sess, _ := s.register(t, "alice@example.com")

	rec := s.do(http.MethodGet, "/auth/me", "", withBearer(sess.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var body UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, sess.User.ID, body.User.ID)

	for name, opts := range map[string][]func(*http.Request){
		"missing":  nil,
		"garbage":  {withBearer("not.a.jwt")},
		"oversize": {withBearer(strings.Repeat("x", 50000))},
	} {
		t.Run(name, func(t *testing.T) {
			rec := s.do(http.MethodGet, "/auth/me", "", opts...)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, unauthorizedBody, rec.Body.String())
		})
	}

	s.clock.Advance(auth.DefaultAccessTTL)
	rec = s.do(http.MethodGet, "/auth/me", "", withBearer(sess.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type downDirectory struct{}

func (downDirectory) Lookup(context.Context, string) (directory.Status, error) {
	return directory.Status{}, errors.New("dial tcp 10.0.0.7:6379: connection refused")
}

func (downDirectory) Invalidate(context.Context, string) error { return nil }

func TestMe_DirectoryOutageIs503WithoutDetail(t *testing.T) {
	s := newTestServer(t, downDirectory{})
	sess, _ := s.register(t, "alice@example.com")

	rec := s.do(http.MethodGet, "/auth/me", "", withBearer(sess.AccessToken))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestRefresh_InfrastructureFailureIs5xxWithoutDetail(t *testing.T) {
	s := newTestServer(t, downDirectory{})
	_, c1 := s.register(t, "alice@example.com")

	rec := s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "6379")
	assert.NotContains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestLogoutAll(t *testing.T) {
	s := newTestServer(t, nil)
	sess, c1 := s.register(t, "alice@example.com")

	rec := s.do(http.MethodPost, "/auth/logout-all", "", withBearer(sess.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"revoked":1}`, rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1)).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/auth/logout-all", "").Code)
}

func TestAdminDeactivate(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	hash, err := service.HashPassword(password, bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.users.Create(ctx, &domain.User{
		ID: "3f1e2d4c-5b6a-4798-8a9b-0c1d2e3f4a5b", Email: "admin@example.com", PasswordHash: hash,
		DisplayName: "Admin", Role: domain.RoleAdmin, IsActive: true,
	}))
	rec := s.do(http.MethodPost, "/auth/login", `{"email":"admin@example.com","password":"Secret123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	admin := decodeSession(t, rec)

	victim, c1 := s.register(t, "alice@example.com")
	path := "/admin/users/" + victim.User.ID + "/deactivate"

	rec = s.do(http.MethodPost, path, "", withBearer(victim.AccessToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, path, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/admin/users/not-a-uuid/deactivate", "", withBearer(admin.AccessToken))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/admin/users/00000000-0000-0000-0000-000000000000/deactivate", "", withBearer(admin.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, path, "", withBearer(admin.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1)).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/auth/me", "", withBearer(victim.AccessToken)).Code)
	assert.Equal(t, http.StatusUnauthorized,
		s.do(http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"Secret123"}`).Code)

	events := s.audit.OfType(audit.EventUserDeactivated)
	require.Len(t, events, 1)
	assert.Equal(t, admin.User.ID, events[0].ActorID)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/ready", "").Code)

	rec := s.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/debug/pprof/", "").Code)
}

// Register, log in, rotate once, replay the consumed cookie concurrently,
// then confirm the surviving cookie was revoked with its family.
func TestSessionFlow_EndToEnd(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "u@example.com")

	rec := s.do(http.MethodPost, "/auth/login", `{"email":"u@example.com","password":"Secret123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	c1 := refreshCookie(t, rec).Value

	s.clock.Advance(time.Minute)
	rec = s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1))
	require.Equal(t, http.StatusOK, rec.Code)
	c2 := refreshCookie(t, rec).Value

	s.clock.Advance(time.Minute)
	var (
		wg      sync.WaitGroup
		replays = make([]*httptest.ResponseRecorder, 2)
	)
	for i := range replays {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replays[i] = s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1))
		}(i)
	}
	wg.Wait()
	for _, r := range replays {
		assert.Equal(t, http.StatusUnauthorized, r.Code)
		assert.JSONEq(t, unauthorizedBody, r.Body.String())
	}

	rec = s.do(http.MethodPost, "/auth/refresh", "", withCookie(c2))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, unauthorizedBody, rec.Body.String())

	assert.NotEmpty(t, s.audit.OfType(audit.EventReuseDetected))
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	for _, n := range []int{2, 5, 15} {
		s := newTestServer(t, nil)
		_, c1 := s.register(t, "race@example.com")
		s.clock.Advance(time.Minute)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			codes = make([]int, n)
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				codes[i] = s.do(http.MethodPost, "/auth/refresh", "", withCookie(c1)).Code
			}(i)
		}
		close(start)
		wg.Wait()

		ok := 0
		for _, c := range codes {
			switch c {
			case http.StatusOK:
				ok++
			case http.StatusUnauthorized:
			default:
				t.Errorf("n=%d: unexpected status %d", n, c)
			}
		}
		assert.Equal(t, 1, ok, "n=%d", n)
	}
}
