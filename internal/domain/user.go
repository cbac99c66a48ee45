package domain

import (
	"strings"
	"time"
)

// User is a registered account. The session core reads only ID, IsActive
// and Role.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Roles returns the access token roles for the user.
func (u *User) Roles() []string {
	if u.Role == "" {
		return []string{RoleUser}
	}
	return []string{u.Role}
}

// NormalizeEmail lowercases and trims an email so lookups and the unique
// index agree.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
