package repository

import (
	"context"
	"time"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
)

// UserRepository defines the interface for user persistence operations.
type UserRepository interface {
	// Create inserts a new user. A taken email returns an AlreadyExists
	// application error.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by their unique identifier.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByEmail retrieves a user by their normalized email address.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// SetActive flips the account gate.
	SetActive(ctx context.Context, id string, active bool, now time.Time) error
}

// RefreshTokenStore persists refresh token records. Implementations must
// make TryRotate a single atomic transition: two callers racing on the same
// token id can never both succeed.
type RefreshTokenStore interface {
	// CreateRoot starts a new family for userID holding secret.
	CreateRoot(ctx context.Context, userID, secret string, now time.Time) (*domain.RefreshToken, error)

	// FindLiveBySecret returns the record for secret only if it is live at
	// now, else domain.ErrRefreshTokenNotFound.
	FindLiveBySecret(ctx context.Context, secret string, now time.Time) (*domain.RefreshToken, error)

	// FindBySecret returns the record for secret in any state.
	FindBySecret(ctx context.Context, secret string) (*domain.RefreshToken, error)

	// TryRotate consumes tokenID and creates its child holding childSecret.
	// A record that exists but is not live returns
	// domain.ErrRefreshTokenConsumed with no mutation.
	TryRotate(ctx context.Context, tokenID, childSecret string, now time.Time) (*domain.RefreshToken, error)

	// RevokeFamily revokes every unrevoked record of the family and returns
	// how many were touched.
	RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error)

	// RevokeUser revokes every unrevoked record of every family of userID.
	RevokeUser(ctx context.Context, userID string, now time.Time) (int64, error)

	// ListFamily returns the family oldest first.
	ListFamily(ctx context.Context, familyID string) ([]domain.RefreshToken, error)
}
