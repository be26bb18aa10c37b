// Package common defines shared constants and sentinel errors used across
// the parley server layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository/cache-level errors.
	ErrorNotFound = errors.New("not found")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired = errors.New("token expired")
)
