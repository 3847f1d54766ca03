package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	hits      int
	startedAt time.Time
	updatedAt time.Time
}

// MemoryStore is a mutex-guarded fixed-window store for single-process
// deployments and tests. State is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// WithClock replaces the store's time source. Tests use it to step through
// window boundaries without sleeping.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Check(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key.String()]
	if !ok || now.Sub(w.startedAt) >= window {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	return decide(w.hits+1, limit, w.startedAt, window, now), nil
}

func (s *MemoryStore) CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key.String()]
	if !ok || now.Sub(w.startedAt) >= window {
		s.windows[key.String()] = &memoryWindow{hits: 1, startedAt: now, updatedAt: now}
		return Decision{Allowed: true, Limit: limit, Remaining: limit - 1}, nil
	}

	if w.hits >= limit {
		return decide(limit+1, limit, w.startedAt, window, now), nil
	}

	w.hits++
	w.updatedAt = now

	return Decision{Allowed: true, Limit: limit, Remaining: limit - w.hits}, nil
}

func (s *MemoryStore) Increment(ctx context.Context, key Key, window time.Duration) error {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key.String()]
	if !ok || now.Sub(w.startedAt) >= window {
		s.windows[key.String()] = &memoryWindow{hits: 1, startedAt: now, updatedAt: now}
		return nil
	}

	w.hits++
	w.updatedAt = now

	return nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := s.now().UTC().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, w := range s.windows {
		if removed >= int64(batchSize) {
			break
		}
		if w.updatedAt.Before(cutoff) {
			delete(s.windows, key)
			removed++
		}
	}

	return removed, nil
}
