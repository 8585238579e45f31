package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match with
// errors.Is; backends wrap them with %w to add context.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrClientNotFound = errors.New("client not found")
	ErrScopeNotFound  = errors.New("scope not found")

	// ErrCodeNotFound covers unknown, expired and deleted authorization
	// codes so lookups cannot be used as a validity oracle.
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrCodeAlreadyUsed = errors.New("authorization code already used")

	ErrTokenNotFound           = errors.New("token not found")
	ErrTokenExpired            = errors.New("token expired")
	ErrTokenRevoked            = errors.New("token revoked")
	ErrRefreshTokenAlreadyUsed = errors.New("refresh token already used")

	ErrInvalidClientCredentials = errors.New("invalid client credentials")
)
