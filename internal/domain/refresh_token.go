package domain

import "time"

// RefreshToken is one record in a rotation family. The plaintext secret is
// never stored; SecretHash is its hex SHA-256.
type RefreshToken struct {
	ID           string     `json:"id"`
	FamilyID     string     `json:"familyId"`
	ParentID     *string    `json:"parentId,omitempty"`
	UserID       string     `json:"userId"`
	SecretHash   string     `json:"-"`
	IssuedAt     time.Time  `json:"issuedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ConsumedAt   *time.Time `json:"consumedAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	ReplacedByID *string    `json:"replacedById,omitempty"`
}

// IsConsumed reports whether the token was exchanged for a child.
func (t *RefreshToken) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// IsRevoked reports whether the token's family was revoked.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether now is at or past ExpiresAt.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsLive reports whether the token can still be rotated at now.
func (t *RefreshToken) IsLive(now time.Time) bool {
	return !t.IsConsumed() && !t.IsRevoked() && !t.IsExpired(now)
}

// IsRoot reports whether the token started its family.
func (t *RefreshToken) IsRoot() bool {
	return t.ParentID == nil
}
