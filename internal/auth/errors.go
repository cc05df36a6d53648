package auth

import "errors"

var (
	// ErrDeskMismatch indicates the token was issued for another desk.
	ErrDeskMismatch = errors.New("auth: desk mismatch")
	// ErrMissingToken means no bearer token or access_token was sent.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrTokenExpired is returned for tokens past exp, after leeway.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrInvalidClaims covers tokens that verify but lack desk, subject or a known role.
	ErrInvalidClaims = errors.New("auth: invalid claims")
)
