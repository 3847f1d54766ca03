package quota

import (
	"encoding/json"
	"net/http"

	"github.com/getsentry/sentry-go"

	"veribits-api/internal/auth"
)

type Handler struct {
	ledger Ledger
}

func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// Get returns the caller's current monthly quota.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || !principal.Authenticated {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	q, err := h.ledger.Get(r.Context(), *principal.UserID, PeriodMonthly)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to fetch quota")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"period":    q.Period,
		"allowance": q.Allowance,
		"used":      q.Used,
		"remaining": q.Remaining(),
		"reset_at":  q.ResetAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
