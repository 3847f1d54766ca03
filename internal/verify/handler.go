package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"veribits-api/internal/auth"
	"veribits-api/internal/observability"
	"veribits-api/internal/quota"
	"veribits-api/internal/ratelimit"
)

const maxJSONBodyBytes = 1 << 20

var artifactKinds = map[string]bool{
	"file": true,
	"hash": true,
	"url":  true,
}

// Handler serves POST /v1/verify/scan, the billable scan entry point.
// Anonymous callers are admitted through the per-IP scan cap; authenticated
// callers are charged one quota unit. The cap fails open on store errors,
// the quota charge fails closed.
type Handler struct {
	anonScans *ratelimit.AnonymousScans
	ledger    quota.Ledger
	logger    *observability.Logger
}

func NewHandler(anonScans *ratelimit.AnonymousScans, ledger quota.Ledger, logger *observability.Logger) *Handler {
	return &Handler{anonScans: anonScans, ledger: ledger, logger: logger}
}

type scanRequest struct {
	Artifact string `json:"artifact"`
	Kind     string `json:"kind"`
}

func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		principal = auth.Anonymous(auth.ClientIP(r))
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body scanRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Artifact = strings.TrimSpace(body.Artifact)
	if body.Artifact == "" {
		writeError(w, http.StatusBadRequest, "artifact is required")
		return
	}
	if body.Kind == "" {
		body.Kind = "file"
	}
	if !artifactKinds[body.Kind] {
		writeError(w, http.StatusBadRequest, "kind must be one of file, hash, url")
		return
	}

	response := map[string]any{}

	if principal.Authenticated {
		remaining, err := h.ledger.Consume(r.Context(), *principal.UserID, 1)
		if err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				writeError(w, http.StatusTooManyRequests, "monthly quota exceeded, upgrade your plan or wait for the period reset")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusServiceUnavailable, "quota service unavailable")
			return
		}
		response["quota_remaining"] = remaining
	} else {
		decision, err := h.anonScans.Allow(r.Context(), principal.IPAddress)
		if err != nil {
			// Fail open: losing the counter store should throttle
			// alerts, not take anonymous traffic down.
			h.logger.Error("anon_scan_limit_failed", map[string]any{
				"ip":    principal.IPAddress,
				"error": err.Error(),
			})
			sentry.CaptureException(err)
		} else if !decision.Allowed {
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			}
			writeError(w, http.StatusTooManyRequests, "anonymous scan limit reached, create a free account for higher limits")
			return
		} else {
			response["anonymous_scans_remaining"] = decision.Remaining
		}
	}

	scanID, err := uuid.NewV7()
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	digest := sha256.Sum256([]byte(body.Artifact))

	response["scan_id"] = scanID.String()
	response["kind"] = body.Kind
	response["sha256"] = hex.EncodeToString(digest[:])
	response["size_bytes"] = len(body.Artifact)
	response["status"] = "completed"

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
