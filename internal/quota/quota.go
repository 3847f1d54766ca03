package quota

import (
	"context"
	"errors"
	"time"
)

const (
	PeriodMonthly = "monthly"

	// DefaultMonthlyAllowance is the free-tier cap seeded at registration.
	DefaultMonthlyAllowance = 1000
)

// ErrQuotaExceeded means the billing allowance is exhausted. Unlike a rate
// limit it does not clear by waiting out a window; only a period reset or a
// plan upgrade recovers it.
var ErrQuotaExceeded = errors.New("quota exceeded")

type Quota struct {
	UserID    string    `json:"user_id"`
	Period    string    `json:"period"`
	Allowance int64     `json:"allowance"`
	Used      int64     `json:"used"`
	ResetAt   time.Time `json:"reset_at"`
}

func (q Quota) Remaining() int64 {
	remaining := q.Allowance - q.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Ledger tracks billable usage against per-user allowances. Consume must be
// atomic: two concurrent calls may never both succeed when only one fits.
type Ledger interface {
	Get(ctx context.Context, userID, period string) (Quota, error)
	Consume(ctx context.Context, userID string, amount int64) (remaining int64, err error)
	Reset(ctx context.Context, userID, period string) error
}

// nextMonthlyReset is the first instant of the next calendar month, UTC.
func nextMonthlyReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
