package ratelimit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veribits-api/internal/auth"
	"veribits-api/internal/observability"
)

type failingStore struct{}

func (failingStore) Check(context.Context, Key, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func (failingStore) CheckAndIncrement(context.Context, Key, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func (failingStore) Increment(context.Context, Key, time.Duration) error {
	return errors.New("store down")
}

func (failingStore) Cleanup(context.Context, time.Duration, int) (int64, error) {
	return 0, errors.New("store down")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDeniesWithRetryAfter(t *testing.T) {
	store := NewMemoryStore()
	logger := observability.NewLoggerTo(io.Discard)
	policy := Policy{Action: ActionRegister, Limit: 2, Window: 5 * time.Minute}

	handler := Middleware(store, logger, auth.ClientIP, policy, "registration rate limit exceeded")(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/register", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.5")
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/register", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"registration rate limit exceeded"}`, rec.Body.String())
}

func TestMiddlewareKeysBySubject(t *testing.T) {
	store := NewMemoryStore()
	logger := observability.NewLoggerTo(io.Discard)
	policy := Policy{Action: ActionLogin, Limit: 1, Window: 5 * time.Minute}

	handler := Middleware(store, logger, auth.ClientIP, policy, "login rate limit exceeded")(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	first.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	blocked := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	blocked.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, blocked)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	other.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareFailsOpenOnStoreError(t *testing.T) {
	logger := observability.NewLoggerTo(io.Discard)
	policy := Policy{Action: ActionLogin, Limit: 1, Window: time.Minute}

	handler := Middleware(failingStore{}, logger, auth.ClientIP, policy, "login rate limit exceeded")(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "abuse throttling must not take the endpoint down")
}
