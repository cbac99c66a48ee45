package memory

import (
	"context"
	"sync"
	"time"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
)

// UserRepository implements repository.UserRepository in memory.
type UserRepository struct {
	mu      sync.RWMutex
	byID    map[string]domain.User
	byEmail map[string]string
}

// NewUserRepository creates an empty user repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[string]domain.User),
		byEmail: make(map[string]string),
	}
}

// Create inserts u. The email check and insert happen under one lock, so
// concurrent registrations for one email yield exactly one user.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	email := domain.NormalizeEmail(u.Email)
	if _, taken := r.byEmail[email]; taken {
		return apperrors.AlreadyExists("user", "email", email)
	}
	stored := *u
	stored.Email = email
	r.byID[u.ID] = stored
	r.byEmail[email] = u.ID
	return nil
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &u, nil
}

// GetByEmail retrieves a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	u := r.byID[id]
	return &u, nil
}

// SetActive flips the account gate.
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return apperrors.NotFound("user", id)
	}
	u.IsActive = active
	u.UpdatedAt = now
	r.byID[id] = u
	return nil
}
