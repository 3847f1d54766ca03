package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps fixed windows in the rate_limit_windows table. Every
// admission is a single conditional upsert round trip, so two concurrent
// requests for the last slot cannot both pass.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Check(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	now := s.now().UTC()

	var hits int
	var windowStartedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT hits, window_started_at
		FROM rate_limit_windows
		WHERE key = $1
	`, key.String()).Scan(&hits, &windowStartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
		}
		return Decision{}, fmt.Errorf("query rate limit window: %w", err)
	}

	if now.Sub(windowStartedAt.UTC()) >= window {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	// A read-only probe asks whether one more hit would fit.
	return decide(hits+1, limit, windowStartedAt.UTC(), window, now), nil
}

func (s *PostgresStore) CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	now := s.now().UTC()
	threshold := now.Add(-window)

	for attempt := 0; attempt < 2; attempt++ {
		var hits int
		var windowStartedAt time.Time

		// Admit by updating an existing window: reset it when expired,
		// increment while under the limit, and match nothing when full.
		err := s.db.QueryRowContext(ctx, `
			UPDATE rate_limit_windows
			SET
				hits = CASE
					WHEN window_started_at <= $3 THEN 1
					ELSE hits + 1
				END,
				window_started_at = CASE
					WHEN window_started_at <= $3 THEN $2
					ELSE window_started_at
				END,
				updated_at = $2
			WHERE key = $1 AND (window_started_at <= $3 OR hits < $4)
			RETURNING hits, window_started_at
		`, key.String(), now, threshold, limit).Scan(&hits, &windowStartedAt)
		if err == nil {
			return decide(hits, limit, windowStartedAt.UTC(), window, now), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Decision{}, fmt.Errorf("update rate limit window: %w", err)
		}

		// No admissible row: either the key is new or the window is
		// full. Try to create it; a conflict means another request
		// created the row first, so retry the update once.
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO rate_limit_windows (key, hits, window_started_at, updated_at)
			VALUES ($1, 1, $2, $2)
			ON CONFLICT (key) DO NOTHING
			RETURNING hits, window_started_at
		`, key.String(), now).Scan(&hits, &windowStartedAt)
		if err == nil {
			return decide(hits, limit, windowStartedAt.UTC(), window, now), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Decision{}, fmt.Errorf("insert rate limit window: %w", err)
		}
	}

	// The window exists and is full. Read it for retry guidance without
	// advancing the counter.
	var hits int
	var windowStartedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT hits, window_started_at
		FROM rate_limit_windows
		WHERE key = $1
	`, key.String()).Scan(&hits, &windowStartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Swept between statements; treat as a fresh deny-to-retry.
			return Decision{Allowed: false, Limit: limit, RetryAfter: time.Second}, nil
		}
		return Decision{}, fmt.Errorf("read denied rate limit window: %w", err)
	}

	return decide(limit+1, limit, windowStartedAt.UTC(), window, now), nil
}

func (s *PostgresStore) Increment(ctx context.Context, key Key, window time.Duration) error {
	now := s.now().UTC()
	threshold := now.Add(-window)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_windows (key, hits, window_started_at, updated_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (key) DO UPDATE
		SET
			hits = CASE
				WHEN rate_limit_windows.window_started_at <= $3 THEN 1
				ELSE rate_limit_windows.hits + 1
			END,
			window_started_at = CASE
				WHEN rate_limit_windows.window_started_at <= $3 THEN $2
				ELSE rate_limit_windows.window_started_at
			END,
			updated_at = $2
	`, key.String(), now, threshold)
	if err != nil {
		return fmt.Errorf("increment rate limit window: %w", err)
	}

	return nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := s.now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT key
			FROM rate_limit_windows
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM rate_limit_windows t
		USING stale
		WHERE t.key = stale.key
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale rate limit windows: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale rate limit windows rows affected: %w", err)
	}

	return affected, nil
}
