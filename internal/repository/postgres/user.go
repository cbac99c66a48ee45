package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	"github.com/btachinardi/lemon-todo-sub000/pkg/database"
	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
)

const userColumns = `id, email, password_hash, display_name, role, is_active, created_at, updated_at`

const (
	qInsertUser = `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	qUserByID = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`

	qUserByEmail = `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1`

	qSetUserActive = `
		UPDATE users
		SET is_active = $2, updated_at = $3
		WHERE id = $1`
)

const constraintUserEmail = "users_email_key"

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	db database.DB
}

// NewUserRepository creates a new PostgreSQL-backed user repository.
func NewUserRepository(db database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user. The unique email index decides concurrent
// registrations; the loser gets AlreadyExists.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) (err error) {
	ctx, end := database.TraceQuery(ctx, "users.create", qInsertUser)
	defer func() { end(err) }()

	u.Email = domain.NormalizeEmail(u.Email)
	_, err = r.db.Exec(ctx, qInsertUser,
		u.ID,
		u.Email,
		u.PasswordHash,
		u.DisplayName,
		u.Role,
		u.IsActive,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		if name, ok := database.UniqueViolation(err); ok && name == constraintUserEmail {
			return apperrors.AlreadyExists("user", "email", u.Email)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by their ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (_ *domain.User, err error) {
	ctx, end := database.TraceQuery(ctx, "users.get_by_id", qUserByID)
	defer func() { end(err) }()

	return scanUser(r.db.QueryRow(ctx, qUserByID, id))
}

// GetByEmail retrieves a user by their email address.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (_ *domain.User, err error) {
	ctx, end := database.TraceQuery(ctx, "users.get_by_email", qUserByEmail)
	defer func() { end(err) }()

	return scanUser(r.db.QueryRow(ctx, qUserByEmail, domain.NormalizeEmail(email)))
}

// SetActive flips the account gate.
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool, now time.Time) (err error) {
	ctx, end := database.TraceQuery(ctx, "users.set_active", qSetUserActive)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, qSetUserActive, id, active, now)
	if err != nil {
		return fmt.Errorf("update user active flag: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("user", id)
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.DisplayName,
		&u.Role,
		&u.IsActive,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
