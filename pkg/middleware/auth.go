package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
	"github.com/btachinardi/lemon-todo-sub000/pkg/httputil"
	"github.com/btachinardi/lemon-todo-sub000/pkg/logger"
)

type contextKeyType string

const identityKey contextKeyType = "identity"

// MaxAuthorizationHeader bounds the Authorization header before any parsing.
const MaxAuthorizationHeader = 4096 + len("Bearer ")

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID  string
	TokenID string
	Roles   []string
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenValidator validates a bearer token and returns the caller identity.
// Any error is treated as an authentication failure, except one wrapping
// apperrors.ErrServiceUnavail, which is answered with a 503.
type TokenValidator func(ctx context.Context, token string) (*Identity, error)

// Auth middleware validates bearer tokens and injects the identity into context.
// Every rejection produces the same 401 body.
func Auth(validate TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httputil.WriteUnauthenticated(w)
				return
			}

			id, err := validate(r.Context(), token)
			if errors.Is(err, apperrors.ErrServiceUnavail) {
				httputil.WriteError(w, r, err, nil)
				return
			}
			if err != nil || id == nil {
				httputil.WriteUnauthenticated(w)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			ctx = logger.WithUserID(ctx, id.UserID)
			if l := logger.FromContext(ctx); l != nil {
				ctx = logger.NewContext(ctx, l.With("user_id", id.UserID))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) (string, bool) {
	if header == "" || len(header) > MaxAuthorizationHeader {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireRole middleware checks that the authenticated caller holds one of roles.
// It must be mounted after Auth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil {
				httputil.WriteUnauthenticated(w)
				return
			}
			for _, role := range roles {
				if id.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.WriteError(w, r, apperrors.Forbidden("insufficient permissions"), nil)
		})
	}
}

// IdentityFromContext returns the identity set by Auth, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// UserIDFromContext extracts the authenticated user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}
