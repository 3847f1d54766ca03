package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veribits-api/internal/auth"
)

// Repository is the Postgres ledger. Consume is one conditional update
// round trip so the used <= allowance invariant holds under concurrency.
type Repository struct {
	db        *sql.DB
	allowance int64
	now       func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, allowance: DefaultMonthlyAllowance, now: time.Now}
}

func (r *Repository) WithDefaultAllowance(allowance int64) *Repository {
	if allowance > 0 {
		r.allowance = allowance
	}
	return r
}

// EnsureDefault seeds the free-tier monthly quota row, keeping an existing
// row untouched.
func (r *Repository) EnsureDefault(ctx context.Context, userID string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate quota id: %w", err)
	}

	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO quotas (id, user_id, period, allowance, used, reset_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (user_id, period) DO NOTHING
	`, id.String(), userID, PeriodMonthly, r.allowance, nextMonthlyReset(now), now)
	if err != nil {
		return fmt.Errorf("insert default quota: %w", err)
	}

	return nil
}

func (r *Repository) Get(ctx context.Context, userID, period string) (Quota, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var q Quota
		err := r.db.QueryRowContext(ctx, `
			SELECT user_id, period, allowance, used, reset_at
			FROM quotas
			WHERE user_id = $1 AND period = $2
		`, userID, period).Scan(&q.UserID, &q.Period, &q.Allowance, &q.Used, &q.ResetAt)
		if err == nil {
			q.ResetAt = q.ResetAt.UTC()
			return q, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Quota{}, fmt.Errorf("query quota: %w", err)
		}
		if period != PeriodMonthly {
			return Quota{}, fmt.Errorf("quota: no %s quota for user", period)
		}
		if err := r.EnsureDefault(ctx, userID); err != nil {
			return Quota{}, err
		}
	}

	return Quota{}, fmt.Errorf("quota: default row missing after seed")
}

// Consume charges amount against the monthly allowance, rolling the window
// forward lazily when reset_at has passed. Zero matched rows with an
// existing quota row means the allowance cannot fit the charge; nothing is
// mutated in that case.
func (r *Repository) Consume(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("quota: amount must be positive")
	}

	now := r.now().UTC()
	nextReset := nextMonthlyReset(now)

	for attempt := 0; attempt < 2; attempt++ {
		var remaining int64
		err := r.db.QueryRowContext(ctx, `
			UPDATE quotas
			SET
				used = CASE WHEN reset_at <= $3 THEN $2 ELSE used + $2 END,
				reset_at = CASE WHEN reset_at <= $3 THEN $4 ELSE reset_at END,
				updated_at = $3
			WHERE user_id = $1 AND period = $5
			  AND (CASE WHEN reset_at <= $3 THEN $2 ELSE used + $2 END) <= allowance
			RETURNING allowance - used
		`, userID, amount, now, nextReset, PeriodMonthly).Scan(&remaining)
		if err == nil {
			return remaining, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("consume quota: %w", err)
		}

		// Either the row is missing or the charge does not fit.
		var exists bool
		if err := r.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM quotas WHERE user_id = $1 AND period = $2)
		`, userID, PeriodMonthly).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check quota row: %w", err)
		}
		if exists {
			return 0, ErrQuotaExceeded
		}
		if err := r.EnsureDefault(ctx, userID); err != nil {
			return 0, err
		}
	}

	return 0, fmt.Errorf("quota: row missing after seed")
}

// Reset zeroes usage and advances the period boundary; invoked by the
// period-rollover job, not request handlers.
func (r *Repository) Reset(ctx context.Context, userID, period string) error {
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE quotas
		SET used = 0, reset_at = $3, updated_at = $4
		WHERE user_id = $1 AND period = $2
	`, userID, period, nextMonthlyReset(now), now)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}

	return nil
}

// Summaries implements auth.QuotaDirectory for profile responses.
func (r *Repository) Summaries(ctx context.Context, userID string) ([]auth.QuotaSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT period, allowance, used, reset_at
		FROM quotas
		WHERE user_id = $1
		ORDER BY period ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query quota summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]auth.QuotaSummary, 0)
	for rows.Next() {
		var s auth.QuotaSummary
		if err := rows.Scan(&s.Period, &s.Allowance, &s.Used, &s.ResetAt); err != nil {
			return nil, fmt.Errorf("scan quota summary: %w", err)
		}
		s.ResetAt = s.ResetAt.UTC()
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quota summaries: %w", err)
	}

	return summaries, nil
}
