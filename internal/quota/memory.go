package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is a mutex-guarded ledger for single-process deployments and
// tests. Rows are created lazily with the default free-tier allowance.
type MemoryLedger struct {
	mu        sync.Mutex
	rows      map[string]*Quota
	allowance int64
	now       func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		rows:      make(map[string]*Quota),
		allowance: DefaultMonthlyAllowance,
		now:       time.Now,
	}
}

func (m *MemoryLedger) WithDefaultAllowance(allowance int64) *MemoryLedger {
	if allowance > 0 {
		m.allowance = allowance
	}
	return m
}

func (m *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	m.now = now
	return m
}

func (m *MemoryLedger) row(userID string) *Quota {
	key := userID + ":" + PeriodMonthly
	q, ok := m.rows[key]
	if !ok {
		q = &Quota{
			UserID:    userID,
			Period:    PeriodMonthly,
			Allowance: m.allowance,
			ResetAt:   nextMonthlyReset(m.now()),
		}
		m.rows[key] = q
	}
	return q
}

func (m *MemoryLedger) Get(ctx context.Context, userID, period string) (Quota, error) {
	if period != PeriodMonthly {
		return Quota{}, fmt.Errorf("quota: no %s quota for user", period)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return *m.row(userID), nil
}

func (m *MemoryLedger) Consume(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("quota: amount must be positive")
	}

	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.row(userID)
	if !q.ResetAt.After(now) {
		q.Used = 0
		q.ResetAt = nextMonthlyReset(now)
	}

	if q.Used+amount > q.Allowance {
		return 0, ErrQuotaExceeded
	}

	q.Used += amount
	return q.Allowance - q.Used, nil
}

func (m *MemoryLedger) Reset(ctx context.Context, userID, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.row(userID)
	q.Used = 0
	q.ResetAt = nextMonthlyReset(m.now())

	return nil
}
