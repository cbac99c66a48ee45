package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	"github.com/btachinardi/lemon-todo-sub000/internal/rotation"
	"github.com/btachinardi/lemon-todo-sub000/internal/service"
	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
	"github.com/btachinardi/lemon-todo-sub000/pkg/httputil"
	"github.com/btachinardi/lemon-todo-sub000/pkg/middleware"
	"github.com/btachinardi/lemon-todo-sub000/pkg/validator"
)

// AuthHandler handles HTTP requests for the session endpoints.
type AuthHandler struct {
	service *service.SessionService
	logger  *slog.Logger
}

// NewAuthHandler creates a new auth HTTP handler.
func NewAuthHandler(svc *service.SessionService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: svc, logger: logger}
}

// --- Request DTOs ---

// RegisterRequest is the JSON request body for registration.
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,max=72,password"`
	DisplayName string `json:"displayName" validate:"required,min=1,max=100"`
}

// LoginRequest is the JSON request body for login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// --- Response DTOs ---

// SessionResponse is returned by register and login.
type SessionResponse struct {
	AccessToken string       `json:"accessToken"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	User        *domain.User `json:"user"`
}

// TokenResponse is returned by refresh.
type TokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// UserResponse wraps the current user.
type UserResponse struct {
	User *domain.User `json:"user"`
}

// StatusResponse acknowledges a request that has nothing else to return.
type StatusResponse struct {
	Status string `json:"status"`
}

// LogoutAllResponse reports how many refresh tokens were revoked.
type LogoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

// --- Handlers ---

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.Register(r.Context(), service.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.writeSession(w, res)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.Login(r.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.writeSession(w, res)
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, res *service.AuthResult) {
	setRefreshCookie(w, res.Session.RefreshSecret, res.Session.RefreshExpiresAt)
	httputil.WriteJSON(w, http.StatusOK, SessionResponse{
		AccessToken: res.Session.AccessToken,
		ExpiresAt:   res.Session.AccessExpiresAt,
		User:        res.User,
	})
}

// Refresh handles POST /auth/refresh. The refresh secret is read from the
// cookie only; every rejection gets the same 401 and clears the cookie.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	secret := refreshSecret(r)
	if secret == "" {
		httputil.WriteUnauthenticated(w)
		return
	}

	sess, err := h.service.Refresh(r.Context(), secret)
	if err != nil {
		if apperrors.IsUnauthenticated(err) {
			clearRefreshCookie(w)
			httputil.WriteUnauthenticated(w)
			return
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	writeRotated(w, sess)
}

func writeRotated(w http.ResponseWriter, sess *rotation.Session) {
	setRefreshCookie(w, sess.RefreshSecret, sess.RefreshExpiresAt)
	httputil.WriteJSON(w, http.StatusOK, TokenResponse{
		AccessToken: sess.AccessToken,
		ExpiresAt:   sess.AccessExpiresAt,
	})
}

// Logout handles POST /auth/logout. It always answers 200.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if secret := refreshSecret(r); secret != "" {
		h.service.Logout(r.Context(), secret)
	}
	clearRefreshCookie(w)
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Me(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, UserResponse{User: user})
}

// LogoutAll handles POST /auth/logout-all.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.LogoutAll(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	clearRefreshCookie(w)
	httputil.WriteJSON(w, http.StatusOK, LogoutAllResponse{Revoked: n})
}

// DeactivateUser handles POST /admin/users/{id}/deactivate.
func (h *AuthHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	actor := middleware.UserIDFromContext(r.Context())
	if err := h.service.DeactivateUser(r.Context(), actor, id.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{Status: "deactivated"})
}

// ValidateToken adapts the service's bearer check to the Auth middleware.
func (h *AuthHandler) ValidateToken(ctx context.Context, token string) (*middleware.Identity, error) {
	claims, err := h.service.Authenticate(ctx, token)
	if err != nil {
		if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
			return nil, apperrors.Unavailable(err)
		}
		return nil, err
	}
	return &middleware.Identity{
		UserID:  claims.UserID,
		TokenID: claims.TokenID,
		Roles:   claims.Roles,
	}, nil
}
