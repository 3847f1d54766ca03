package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const defaultAccessTTL = time.Hour

type Service struct {
	store     Store
	quotas    QuotaSeeder
	jwtSecret []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewService(store Store, quotas QuotaSeeder, jwtSecret string) *Service {
	return &Service{
		store:     store,
		quotas:    quotas,
		jwtSecret: []byte(jwtSecret),
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
}

func (s *Service) WithAccessTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.accessTTL = ttl
	}
	return s
}

// Register creates the account plus its default API key and seeds the
// free-tier monthly quota.
func (s *Service) Register(ctx context.Context, email, password string) (User, APIKey, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, APIKey{}, fmt.Errorf("hash password: %w", err)
	}

	user, key, err := s.store.CreateUser(ctx, email, string(hash))
	if err != nil {
		return User{}, APIKey{}, err
	}

	if err := s.quotas.EnsureDefault(ctx, user.ID); err != nil {
		return User{}, APIKey{}, fmt.Errorf("seed default quota: %w", err)
	}

	return user, key, nil
}

// Login verifies the password and issues a short-lived HS256 access token.
func (s *Service) Login(ctx context.Context, email, password string) (Tokens, User, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tokens{}, User{}, ErrInvalidCredentials
		}
		return Tokens{}, User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, User{}, ErrInvalidCredentials
	}

	if user.Status != UserStatusActive {
		return Tokens{}, User{}, ErrAccountDisabled
	}

	tokens, err := s.issueAccessToken(user)
	if err != nil {
		return Tokens{}, User{}, err
	}

	return tokens, user, nil
}

func (s *Service) issueAccessToken(user User) (Tokens, error) {
	now := s.now().UTC()
	tokenID, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate token id: %w", err)
	}

	claims := jwt.MapClaims{
		"sub":    user.ID,
		"email":  user.Email,
		"scopes": DefaultScopes,
		"jti":    tokenID.String(),
		"iat":    now.Unix(),
		"exp":    now.Add(s.accessTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Tokens{
		AccessToken: encoded,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
	}, nil
}

// VerifyBearer validates a bearer token and returns the caller's claims.
// Every failure collapses to ErrUnauthenticated.
func (s *Service) VerifyBearer(ctx context.Context, token string) (TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenClaims{}, ErrUnauthenticated
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil || !parsed.Valid {
		return TokenClaims{}, ErrUnauthenticated
	}

	out := TokenClaims{}
	out.UserID, _ = claims["sub"].(string)
	out.Email, _ = claims["email"].(string)
	out.TokenID, _ = claims["jti"].(string)
	if out.UserID == "" {
		return TokenClaims{}, ErrUnauthenticated
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}

	if rawScopes, ok := claims["scopes"].([]any); ok {
		for _, raw := range rawScopes {
			if scope, ok := raw.(string); ok {
				out.Scopes = append(out.Scopes, scope)
			}
		}
	}
	if len(out.Scopes) == 0 {
		return TokenClaims{}, ErrUnauthenticated
	}

	// Logout denylists the token id; a denylist read failure refuses the
	// credential rather than accepting a possibly revoked token.
	if out.TokenID != "" {
		revoked, err := s.store.TokenRevoked(ctx, out.TokenID)
		if err != nil {
			return TokenClaims{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return TokenClaims{}, ErrUnauthenticated
		}
	}

	return out, nil
}

// BearerPrincipal is VerifyBearer plus the IP the principal is keyed by.
func (s *Service) BearerPrincipal(ctx context.Context, token, ip string) (Principal, error) {
	claims, err := s.VerifyBearer(ctx, token)
	if err != nil {
		return Principal{}, err
	}

	userID := claims.UserID
	return Principal{
		UserID:        &userID,
		Email:         claims.Email,
		Scopes:        claims.Scopes,
		Authenticated: true,
		IPAddress:     ip,
	}, nil
}

// VerifyAPIKey resolves a key to its owner's principal. Revoked keys and
// disabled owners are rejected.
func (s *Service) VerifyAPIKey(ctx context.Context, key, ip string) (Principal, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Principal{}, ErrUnauthenticated
	}

	record, err := s.store.APIKeyByKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, err
	}
	if record.Revoked {
		return Principal{}, ErrUnauthenticated
	}

	user, err := s.store.UserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, err
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrAccountDisabled
	}

	userID := user.ID
	return Principal{
		UserID:        &userID,
		Email:         user.Email,
		Scopes:        DefaultScopes,
		Authenticated: true,
		IPAddress:     ip,
	}, nil
}

// Logout revokes the presented token for the remainder of its lifetime.
func (s *Service) Logout(ctx context.Context, claims TokenClaims) error {
	if claims.TokenID == "" {
		return nil
	}

	expiresAt := claims.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.now().UTC().Add(s.accessTTL)
	}

	return s.store.RevokeToken(ctx, claims.TokenID, expiresAt)
}

func (s *Service) CreateAPIKey(ctx context.Context, userID, name string) (APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "API Key"
	}
	return s.store.InsertAPIKey(ctx, userID, name)
}

func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	return s.store.APIKeysByUser(ctx, userID)
}

func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	return s.store.RevokeAPIKey(ctx, userID, keyID)
}

func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	return s.store.UserByID(ctx, userID)
}
