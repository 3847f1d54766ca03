package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func capturePrincipal(t *testing.T, captured *Principal) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		require.True(t, ok, "handler behind auth middleware must see a principal")
		*captured = principal
		w.WriteHeader(http.StatusOK)
	})
}

func TestOptionalAuthAnonymousFallback(t *testing.T) {
	store := newFakeStore()
	service := newTestService(store)

	var principal Principal
	handler := OptionalAuth(service, ClientIP, capturePrincipal(t, &principal))

	req := httptest.NewRequest(http.MethodPost, "/v1/verify/scan", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, principal.Authenticated)
	require.Nil(t, principal.UserID)
	require.Equal(t, "203.0.113.5", principal.IPAddress)
}

func TestOptionalAuthGarbledTokenStaysAnonymous(t *testing.T) {
	store := newFakeStore()
	service := newTestService(store)

	var principal Principal
	handler := OptionalAuth(service, ClientIP, capturePrincipal(t, &principal))

	req := httptest.NewRequest(http.MethodPost, "/v1/verify/scan", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, principal.Authenticated)
}

func TestOptionalAuthWithValidToken(t *testing.T) {
	store := newFakeStore()
	service := newTestService(store)
	user := store.addUser(t, "alice@example.com", "correct horse battery", UserStatusActive)

	tokens, _, err := service.Login(context.Background(), user.Email, "correct horse battery")
	require.NoError(t, err)

	var principal Principal
	handler := OptionalAuth(service, ClientIP, capturePrincipal(t, &principal))

	req := httptest.NewRequest(http.MethodPost, "/v1/verify/scan", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, principal.Authenticated)
	require.Equal(t, user.ID, *principal.UserID)
}

func TestRequireAuthRejections(t *testing.T) {
	store := newFakeStore()
	service := newTestService(store)
	handler := RequireAuth(service, ClientIP, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for rejected requests")
	}))

	for name, header := range map[string]string{
		"missing header": "",
		"not bearer":     "Basic dXNlcjpwYXNz",
		"bad token":      "Bearer garbage",
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/profile", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"), name)
	}
}

func TestRequireAuthPassesPrincipal(t *testing.T) {
	store := newFakeStore()
	service := newTestService(store)
	user := store.addUser(t, "alice@example.com", "correct horse battery", UserStatusActive)

	tokens, _, err := service.Login(context.Background(), user.Email, "correct horse battery")
	require.NoError(t, err)

	var principal Principal
	handler := RequireAuth(service, ClientIP, capturePrincipal(t, &principal))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, user.ID, *principal.UserID)
	require.Equal(t, user.Email, principal.Email)
}

func TestRequireAPIKey(t *testing.T) {
	store := newFakeStore()
	service := newTestService(store)
	user := store.addUser(t, "alice@example.com", "correct horse battery", UserStatusActive)
	key, err := service.CreateAPIKey(context.Background(), user.ID, "CI key")
	require.NoError(t, err)

	var principal Principal
	handler := RequireAPIKey(service, ClientIP, capturePrincipal(t, &principal))

	// Key in the dedicated header.
	req := httptest.NewRequest(http.MethodPost, "/v1/verify/scan", nil)
	req.Header.Set("X-API-Key", key.Key)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, user.ID, *principal.UserID)

	// Same key passed as a bearer credential.
	req = httptest.NewRequest(http.MethodPost, "/v1/verify/scan", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// No credential at all.
	req = httptest.NewRequest(http.MethodPost, "/v1/verify/scan", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unknown key.
	req = httptest.NewRequest(http.MethodPost, "/v1/verify/scan", nil)
	req.Header.Set("X-API-Key", "vb_0000000000000000000000000000000000000000000000")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
