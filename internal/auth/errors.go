package auth

import "errors"

var (
	// ErrUnauthenticated covers every credential failure: missing or
	// malformed header, bad signature, expired token, unknown or revoked
	// API key. Callers surface it as HTTP 401 without detail.
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNotFound           = errors.New("not found")
)
