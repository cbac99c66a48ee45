package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	apperrors "github.com/btachinardi/lemon-todo-sub000/pkg/errors"
)

// DefaultBcryptCost is the cost factor for password hashes.
const DefaultBcryptCost = 12

// dummyPassword is hashed once at startup so an unknown email costs the
// same bcrypt comparison as a wrong password.
const dummyPassword = "lemon-todo-dummy-password"

// CredentialVerifier checks a login attempt. Any mismatch, including an
// unknown email, returns domain.ErrInvalidCredentials.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (*domain.User, error)
}

// UserByEmail is the part of the user repository the verifier reads.
type UserByEmail interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// PasswordVerifier verifies bcrypt password hashes stored on the user.
type PasswordVerifier struct {
	users     UserByEmail
	dummyHash []byte
}

// NewPasswordVerifier creates a verifier whose dummy hash uses cost.
func NewPasswordVerifier(users UserByEmail, cost int) (*PasswordVerifier, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(dummyPassword), cost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	return &PasswordVerifier{users: users, dummyHash: hash}, nil
}

// Verify returns the user owning email if password matches its hash.
// Inactive users are returned too; the caller decides what to do with them.
func (v *PasswordVerifier) Verify(ctx context.Context, email, password string) (*domain.User, error) {
	u, err := v.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
			return nil, domain.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	return u, nil
}

// HashPassword hashes password with bcrypt at cost.
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
