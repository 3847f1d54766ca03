package ratelimit

import (
	"context"
	"time"
)

// AnonymousScans caps unauthenticated scan traffic per client IP. It
// replaces the old split check-scan-increment sequence with one atomic
// admission, so concurrent anonymous requests cannot overrun the cap.
type AnonymousScans struct {
	store  Store
	limit  int
	window time.Duration
}

func NewAnonymousScans(store Store, limit int, window time.Duration) *AnonymousScans {
	if limit <= 0 {
		limit = 3
	}
	if window <= 0 {
		window = 5 * time.Minute
	}

	return &AnonymousScans{store: store, limit: limit, window: window}
}

// Allow admits and records one anonymous scan for the IP.
func (a *AnonymousScans) Allow(ctx context.Context, ip string) (Decision, error) {
	return a.store.CheckAndIncrement(ctx, Key{Action: ActionAnonScan, Subject: ip}, a.limit, a.window)
}

// Check is a read-only probe of the IP's remaining scans. Pairing it with
// Record is not atomic; admission goes through Allow.
func (a *AnonymousScans) Check(ctx context.Context, ip string) (Decision, error) {
	return a.store.Check(ctx, Key{Action: ActionAnonScan, Subject: ip}, a.limit, a.window)
}

// Record counts a scan without an admission decision.
func (a *AnonymousScans) Record(ctx context.Context, ip string) error {
	return a.store.Increment(ctx, Key{Action: ActionAnonScan, Subject: ip}, a.window)
}
