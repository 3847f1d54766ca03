package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAndIncrementExhaustsAtLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{Action: ActionLogin, Subject: "203.0.113.5"}

	for i := 0; i < 10; i++ {
		decision, err := store.CheckAndIncrement(ctx, key, 10, 5*time.Minute)
		require.NoError(t, err)
		require.True(t, decision.Allowed, "call %d should be admitted", i+1)
		require.Equal(t, 10-(i+1), decision.Remaining)
	}

	decision, err := store.CheckAndIncrement(ctx, key, 10, 5*time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 0, decision.Remaining)
	require.GreaterOrEqual(t, decision.RetryAfter, time.Second)

	// The denied call must not have advanced the counter: after one more
	// denial the stored hits still equal the limit.
	store.mu.Lock()
	require.Equal(t, 10, store.windows[key.String()].hits)
	store.mu.Unlock()
}

func TestCheckAndIncrementResetsAfterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{Action: ActionAnonScan, Subject: "203.0.113.5"}

	for i := 0; i < 3; i++ {
		decision, err := store.CheckAndIncrement(ctx, key, 3, 300*time.Second)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := store.CheckAndIncrement(ctx, key, 3, 300*time.Second)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	now = now.Add(301 * time.Second)

	decision, err = store.CheckAndIncrement(ctx, key, 3, 300*time.Second)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, 2, decision.Remaining)
}

func TestCheckDoesNotIncrement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{Action: ActionRegister, Subject: "198.51.100.7"}

	for i := 0; i < 20; i++ {
		decision, err := store.Check(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := store.CheckAndIncrement(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, 4, decision.Remaining)
}

func TestActionsDoNotShareCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	loginKey := Key{Action: ActionLogin, Subject: "203.0.113.5"}
	registerKey := Key{Action: ActionRegister, Subject: "203.0.113.5"}

	for i := 0; i < 5; i++ {
		_, err := store.CheckAndIncrement(ctx, loginKey, 5, time.Minute)
		require.NoError(t, err)
	}

	decision, err := store.CheckAndIncrement(ctx, loginKey, 5, time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	decision, err = store.CheckAndIncrement(ctx, registerKey, 5, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestConcurrentAdmissionIsExact(t *testing.T) {
	const limit = 25

	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{Action: ActionAnonScan, Subject: "203.0.113.99"}

	var wg sync.WaitGroup
	results := make(chan bool, 2*limit)

	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := store.CheckAndIncrement(ctx, key, limit, time.Minute)
			require.NoError(t, err)
			results <- decision.Allowed
		}()
	}

	wg.Wait()
	close(results)

	admitted := 0
	for allowed := range results {
		if allowed {
			admitted++
		}
	}

	require.Equal(t, limit, admitted, "exactly limit calls must be admitted")
}

func TestIncrementIsUnconditional(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{Action: ActionSecretsScan, Subject: "203.0.113.5"}

	for i := 0; i < 8; i++ {
		require.NoError(t, store.Increment(ctx, key, time.Hour))
	}

	decision, err := store.Check(ctx, key, 5, time.Hour)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}

func TestCleanupRemovesStaleWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := store.CheckAndIncrement(ctx, Key{Action: ActionLogin, Subject: "a"}, 5, time.Minute)
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)

	_, err = store.CheckAndIncrement(ctx, Key{Action: ActionLogin, Subject: "b"}, 5, time.Minute)
	require.NoError(t, err)

	removed, err := store.Cleanup(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	store.mu.Lock()
	_, staleGone := store.windows[Key{Action: ActionLogin, Subject: "a"}.String()]
	_, freshKept := store.windows[Key{Action: ActionLogin, Subject: "b"}.String()]
	store.mu.Unlock()

	require.False(t, staleGone)
	require.True(t, freshKept)
}
