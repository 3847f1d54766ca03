package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"veribits-api/internal/observability"
	"veribits-api/internal/ratelimit"
)

// RevocationCleaner drops denylist entries for tokens that have expired.
// Implemented by auth.Repository.
type RevocationCleaner interface {
	CleanupExpiredRevocations(ctx context.Context, batchSize int) (int64, error)
}

type CleanupResult struct {
	DeletedRateWindows   int64 `json:"deleted_rate_windows"`
	DeletedRevokedTokens int64 `json:"deleted_revoked_tokens"`
}

// CleanupHandler is the cron entry point that sweeps logically expired
// rate-limit windows and spent revocation rows. The route is hidden unless
// a cron secret is configured.
type CleanupHandler struct {
	store           ratelimit.Store
	revocations     RevocationCleaner
	logger          *observability.Logger
	cronSecret      string
	windowRetention time.Duration
	batchSize       int
}

func NewCleanupHandler(
	store ratelimit.Store,
	revocations RevocationCleaner,
	logger *observability.Logger,
	cronSecret string,
	windowRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if windowRetention <= 0 {
		windowRetention = 24 * time.Hour
	}

	return &CleanupHandler{
		store:           store,
		revocations:     revocations,
		logger:          logger,
		cronSecret:      strings.TrimSpace(cronSecret),
		windowRetention: windowRetention,
		batchSize:       batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deletedWindows, err := h.store.Cleanup(r.Context(), h.windowRetention, h.batchSize)
	if err != nil {
		h.logger.Error("rate_window_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	deletedTokens, err := h.revocations.CleanupExpiredRevocations(r.Context(), h.batchSize)
	if err != nil {
		h.logger.Error("revocation_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	result := CleanupResult{
		DeletedRateWindows:   deletedWindows,
		DeletedRevokedTokens: deletedTokens,
	}

	h.logger.Info("cleanup_completed", map[string]any{
		"deleted_rate_windows":   result.DeletedRateWindows,
		"deleted_revoked_tokens": result.DeletedRevokedTokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
