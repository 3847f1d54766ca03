package auth

import (
	"context"
	"time"
)

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// DefaultScopes are granted on login and to API key callers.
var DefaultScopes = []string{"verify:*", "profile:read"}

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Key       string    `json:"key,omitempty"`
	Name      string    `json:"name"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the verified identity attached to a request. A nil UserID
// means the caller is anonymous; Authenticated implies a non-nil UserID and
// at least one scope.
type Principal struct {
	UserID        *string
	Email         string
	Scopes        []string
	Authenticated bool
	IPAddress     string
}

// Anonymous returns the principal used for unauthenticated callers, keyed
// only by the resolved client IP.
func Anonymous(ip string) Principal {
	return Principal{Authenticated: false, IPAddress: ip}
}

// HasScope reports whether the principal carries the scope or a matching
// "<prefix>:*" wildcard.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
		if len(s) > 1 && s[len(s)-1] == '*' && len(scope) >= len(s)-1 && scope[:len(s)-1] == s[:len(s)-1] {
			return true
		}
	}
	return false
}

// TokenClaims are the verified contents of an access token.
type TokenClaims struct {
	UserID    string
	Email     string
	Scopes    []string
	TokenID   string
	ExpiresAt time.Time
}

type Tokens struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// QuotaSummary is the per-period usage view embedded in profile responses.
type QuotaSummary struct {
	Period    string    `json:"period"`
	Allowance int64     `json:"allowance"`
	Used      int64     `json:"used"`
	ResetAt   time.Time `json:"reset_at"`
}

// QuotaDirectory lists a user's quota rows. Implemented by the quota
// package; declared here so the profile handler does not depend on it.
type QuotaDirectory interface {
	Summaries(ctx context.Context, userID string) ([]QuotaSummary, error)
}

// QuotaSeeder creates the default free-tier quota row for a new user.
type QuotaSeeder interface {
	EnsureDefault(ctx context.Context, userID string) error
}
