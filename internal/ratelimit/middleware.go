package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"

	"veribits-api/internal/auth"
	"veribits-api/internal/observability"
)

// Middleware enforces a declarative per-route policy keyed by client IP,
// replacing the check-then-increment calls that were previously repeated
// inside every handler. A store failure fails open: abuse throttling is not
// worth an outage, so the request proceeds and the error is reported.
func Middleware(store Store, logger *observability.Logger, resolveIP auth.IPResolver, policy Policy, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := Key{Action: policy.Action, Subject: resolveIP(r)}

			decision, err := store.CheckAndIncrement(r.Context(), key, policy.Limit, policy.Window)
			if err != nil {
				logger.Error("rate_limit_store_failed", map[string]any{
					"action": policy.Action,
					"error":  err.Error(),
				})
				sentry.CaptureException(err)
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				if decision.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
				}
				writeError(w, http.StatusTooManyRequests, message)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
