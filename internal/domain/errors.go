package domain

import "errors"

var (
	// ErrRefreshTokenNotFound means no record matched, or none matched in
	// the required state.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenConsumed means the record exists but is no longer live,
	// so a rotation attempt performed no mutation.
	ErrRefreshTokenConsumed = errors.New("refresh token already consumed")

	// ErrInvalidCredentials is returned by credential verification for an
	// unknown email, a wrong password or an inactive account.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
