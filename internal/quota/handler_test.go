package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"veribits-api/internal/auth"
)

func TestQuotaEndpoint(t *testing.T) {
	ledger := NewMemoryLedger().WithDefaultAllowance(100)
	_, err := ledger.Consume(context.Background(), "user-1", 12)
	require.NoError(t, err)

	handler := NewHandler(ledger)

	userID := "user-1"
	principal := auth.Principal{UserID: &userID, Authenticated: true, Scopes: auth.DefaultScopes}
	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), principal))

	rec := httptest.NewRecorder()
	handler.Get(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, PeriodMonthly, body["period"])
	require.EqualValues(t, 100, body["allowance"])
	require.EqualValues(t, 12, body["used"])
	require.EqualValues(t, 88, body["remaining"])
}

func TestQuotaEndpointRequiresAuth(t *testing.T) {
	handler := NewHandler(NewMemoryLedger())

	rec := httptest.NewRecorder()
	handler.Get(rec, httptest.NewRequest(http.MethodGet, "/v1/quota", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Anonymous("203.0.113.5")))
	rec = httptest.NewRecorder()
	handler.Get(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
