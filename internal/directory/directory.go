// Package directory answers "is this account still allowed in" for the
// rotation engine and the bearer middleware.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
)

// Status is the slice of a user the session core is allowed to read.
type Status struct {
	Exists bool     `json:"exists"`
	Active bool     `json:"active"`
	Roles  []string `json:"roles,omitempty"`
}

// Directory looks up account status.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Status, error)
	Invalidate(ctx context.Context, userID string) error
}

// UserGetter is the part of the user repository the directory reads.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// RepositoryDirectory reads status straight from the user repository.
type RepositoryDirectory struct {
	users UserGetter
}

// NewRepositoryDirectory creates an uncached directory.
func NewRepositoryDirectory(users UserGetter) *RepositoryDirectory {
	return &RepositoryDirectory{users: users}
}

// Lookup returns the user's status. An unknown user is reported as not
// existing and inactive rather than as an error.
func (d *RepositoryDirectory) Lookup(ctx context.Context, userID string) (Status, error) {
	u, err := d.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return Status{Exists: true, Active: u.IsActive, Roles: u.Roles()}, nil
}

// Invalidate is a no-op; there is nothing cached.
func (d *RepositoryDirectory) Invalidate(context.Context, string) error {
	return nil
}
