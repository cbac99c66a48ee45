// Package auth issues and verifies the short-lived access tokens carried as
// bearer credentials.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
)

// ErrAuthFailure is the only error Validate returns. Callers cannot tell a
// bad signature from an expired or malformed token.
var ErrAuthFailure = errors.New("authentication failed")

// MaxTokenLength bounds the bearer value checked before any decoding.
const MaxTokenLength = 4096

// Defaults used when Config leaves a field empty.
const (
	DefaultIssuer    = "lemon-todo-auth"
	DefaultAudience  = "lemon-todo-web"
	DefaultAccessTTL = 15 * time.Minute
)

// MinSecretLength is the shortest HMAC key NewCodec accepts.
const MinSecretLength = 32

// TokenIDs generates access token ids.
type TokenIDs interface {
	NewTokenID() string
}

// Config holds the codec settings fixed at process start.
type Config struct {
	Secret    []byte
	Issuer    string
	Audience  string
	AccessTTL time.Duration
}

type accessClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and validates HS256 access tokens.
type Codec struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	ids      TokenIDs
	parser   *jwt.Parser
}

// NewCodec creates a codec. The key must be at least MinSecretLength bytes.
func NewCodec(cfg Config, ids TokenIDs) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}

	return &Codec{
		key:      cfg.Secret,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.AccessTTL,
		ids:      ids,
		// Claims are checked by Validate itself, with zero leeway.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// TTL returns the configured access token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue signs a token for subject valid from now for the configured TTL.
func (c *Codec) Issue(subject string, roles []string, now time.Time) (string, time.Time, error) {
	iat := jwt.NewNumericDate(now)
	exp := jwt.NewNumericDate(now.Add(c.ttl))

	claims := &accessClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.ids.NewTokenID(),
			Subject:   subject,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  iat,
			ExpiresAt: exp,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp.Time, nil
}

// Validate verifies the signature and then each claim independently at now.
func (c *Codec) Validate(token string, now time.Time) (*domain.AccessClaims, error) {
	if !wellFormed(token) {
		return nil, ErrAuthFailure
	}

	var claims accessClaims
	parsed, err := c.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrAuthFailure
	}

	if claims.Issuer != c.issuer {
		return nil, ErrAuthFailure
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != c.audience {
		return nil, ErrAuthFailure
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, ErrAuthFailure
	}
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrAuthFailure
	}

	sub, err := uuid.Parse(claims.Subject)
	if err != nil || sub.String() != claims.Subject {
		return nil, ErrAuthFailure
	}

	out := &domain.AccessClaims{
		UserID:    claims.Subject,
		TokenID:   claims.ID,
		Issuer:    claims.Issuer,
		Audience:  claims.Audience[0],
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		Roles:     claims.Roles,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.NotBefore != nil {
		nbf := claims.NotBefore.Time.UTC()
		out.NotBefore = &nbf
	}
	return out, nil
}

// wellFormed rejects anything that is not three non-empty base64url
// segments within MaxTokenLength, without decoding.
func wellFormed(token string) bool {
	if token == "" || len(token) > MaxTokenLength {
		return false
	}
	if strings.Count(token, ".") != 2 {
		return false
	}
	for _, seg := range strings.Split(token, ".") {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			if !isBase64URL(seg[i]) {
				return false
			}
		}
	}
	return true
}

func isBase64URL(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_':
		return true
	}
	return false
}
