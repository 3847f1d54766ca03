package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const apiKeyPrefix = "vb_"

// Store is the persistence surface the auth service needs. *Repository is
// the Postgres implementation; tests substitute an in-memory fake.
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string) (User, APIKey, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	APIKeyByKey(ctx context.Context, key string) (APIKey, error)
	InsertAPIKey(ctx context.Context, userID, name string) (APIKey, error)
	APIKeysByUser(ctx context.Context, userID string) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, keyID string) error
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	TokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts the user and their default API key in one transaction.
func (r *Repository) CreateUser(ctx context.Context, email, passwordHash string) (User, APIKey, error) {
	userID, err := uuid.NewV7()
	if err != nil {
		return User{}, APIKey{}, fmt.Errorf("generate user id: %w", err)
	}
	keyID, err := uuid.NewV7()
	if err != nil {
		return User{}, APIKey{}, fmt.Errorf("generate api key id: %w", err)
	}
	rawKey, err := generateAPIKey()
	if err != nil {
		return User{}, APIKey{}, fmt.Errorf("generate api key: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, APIKey{}, fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)
	`, email).Scan(&exists); err != nil {
		return User{}, APIKey{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return User{}, APIKey{}, ErrEmailTaken
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, userID.String(), email, passwordHash, UserStatusActive, now); err != nil {
		return User{}, APIKey{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key, name, revoked, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, keyID.String(), userID.String(), rawKey, "Default API Key", now); err != nil {
		return User{}, APIKey{}, fmt.Errorf("insert default api key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, APIKey{}, fmt.Errorf("commit register tx: %w", err)
	}

	user := User{
		ID:           userID.String(),
		Email:        email,
		PasswordHash: passwordHash,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	key := APIKey{
		ID:        keyID.String(),
		UserID:    userID.String(),
		Key:       rawKey,
		Name:      "Default API Key",
		CreatedAt: now,
	}

	return user, key, nil
}

func (r *Repository) UserByEmail(ctx context.Context, email string) (User, error) {
	return r.userBy(ctx, `
		SELECT id, email, password_hash, status, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)
}

func (r *Repository) UserByID(ctx context.Context, id string) (User, error) {
	return r.userBy(ctx, `
		SELECT id, email, password_hash, status, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
}

func (r *Repository) userBy(ctx context.Context, query string, arg any) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Status, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	return user, nil
}

func (r *Repository) APIKeyByKey(ctx context.Context, key string) (APIKey, error) {
	var k APIKey
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, key, name, revoked, created_at
		FROM api_keys
		WHERE key = $1
	`, key).Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &k.Revoked, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, fmt.Errorf("query api key: %w", err)
	}

	return k, nil
}

func (r *Repository) InsertAPIKey(ctx context.Context, userID, name string) (APIKey, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return APIKey{}, fmt.Errorf("generate api key id: %w", err)
	}
	rawKey, err := generateAPIKey()
	if err != nil {
		return APIKey{}, fmt.Errorf("generate api key: %w", err)
	}

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key, name, revoked, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, id.String(), userID, rawKey, name, now); err != nil {
		return APIKey{}, fmt.Errorf("insert api key: %w", err)
	}

	return APIKey{
		ID:        id.String(),
		UserID:    userID,
		Key:       rawKey,
		Name:      name,
		CreatedAt: now,
	}, nil
}

func (r *Repository) APIKeysByUser(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, revoked, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Revoked, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey is terminal: there is no way to un-revoke a key.
func (r *Repository) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET revoked = TRUE
		WHERE id = $1 AND user_id = $2
	`, keyID, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// RevokeToken denylists a token id until the token would have expired
// anyway, which is all the retention the denylist needs.
func (r *Repository) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (token_id, expires_at, revoked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id) DO NOTHING
	`, tokenID, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}

	return nil
}

func (r *Repository) TokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM auth_revoked_tokens WHERE token_id = $1)
	`, tokenID).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}

	return revoked, nil
}

// CleanupExpiredRevocations drops denylist rows whose tokens have expired.
func (r *Repository) CleanupExpiredRevocations(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT token_id
			FROM auth_revoked_tokens
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM auth_revoked_tokens t
		USING stale
		WHERE t.token_id = stale.token_id
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired revoked tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired revoked tokens rows affected: %w", err)
	}

	return affected, nil
}

func generateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

// IsAPIKey reports whether a credential looks like an API key rather than
// a JWT, used to route Authorization values to the right verifier.
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, apiKeyPrefix)
}
