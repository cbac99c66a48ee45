package domain

import "time"

// AccessClaims are the verified contents of an access token. They are never
// persisted.
type AccessClaims struct {
	UserID    string
	TokenID   string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	NotBefore *time.Time
	Roles     []string
}

// HasRole reports whether the claims carry role.
func (c *AccessClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
