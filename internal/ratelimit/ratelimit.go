package ratelimit

import (
	"context"
	"time"
)

// Action names for the fixed-window limits enforced across the API. Each
// action owns an independent counter namespace, so two actions never share
// a window even for the same subject.
const (
	ActionRegister          = "register"
	ActionLogin             = "login"
	ActionToken             = "token"
	ActionBroadcast         = "broadcast"
	ActionFirewallUpload    = "firewall_upload"
	ActionSecretsScan       = "secrets_scan"
	ActionIAMPolicyAnalyze  = "iam_policy_analyze"
	ActionDBConnectionAudit = "db_connection_audit"
	ActionAnonScan          = "anon_scan"
)

// Key identifies one counter: an action plus the subject being throttled
// (a user id for authenticated limits, a client IP for anonymous ones).
type Key struct {
	Action  string
	Subject string
}

func (k Key) String() string {
	return k.Action + ":" + k.Subject
}

// Decision reports the outcome of a rate limit check. A denied request is
// normal control flow, not an error; errors are reserved for store failures.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Policy is a declarative route limit: at most Limit hits per Window.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// Store is a fixed-window counter store. CheckAndIncrement is the only
// admission path that is safe under concurrent callers; Check and Increment
// exist for read-only probes and unconditional accounting, and pairing them
// as check-then-increment admits more than Limit requests under load.
type Store interface {
	// Check reports whether one more hit would be admitted. It never
	// mutates the window.
	Check(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error)

	// CheckAndIncrement atomically admits and records a hit, or denies
	// without advancing the counter.
	CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error)

	// Increment records a hit unconditionally.
	Increment(ctx context.Context, key Key, window time.Duration) error

	// Cleanup removes windows untouched for longer than olderThan,
	// at most batchSize per call. Returns the number removed.
	Cleanup(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error)
}

func decide(hits, limit int, windowStart time.Time, window time.Duration, now time.Time) Decision {
	if hits <= limit {
		return Decision{Allowed: true, Limit: limit, Remaining: limit - hits}
	}

	retryAfter := windowStart.Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: retryAfter}
}
