package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

// bearerToken extracts the credential from "Authorization: Bearer <...>".
func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// OptionalAuth attaches a principal to every request and never rejects:
// a verified bearer token yields an authenticated principal, anything else
// an anonymous one keyed by the resolved client IP. Public-but-throttled
// endpoints sit behind this.
func OptionalAuth(service *Service, resolveIP IPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := resolveIP(r)

		principal := Anonymous(ip)
		if token, ok := bearerToken(r); ok {
			if p, err := service.BearerPrincipal(r.Context(), token, ip); err == nil {
				principal = p
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(service *Service, resolveIP IPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		principal, err := service.BearerPrincipal(r.Context(), token, resolveIP(r))
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify token")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequireAPIKey rejects requests without a valid key in X-API-Key, also
// accepting a key passed as a bearer credential.
func RequireAPIKey(service *Service, resolveIP IPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" {
			if token, ok := bearerToken(r); ok && IsAPIKey(token) {
				key = token
			}
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		principal, err := service.VerifyAPIKey(r.Context(), key, resolveIP(r))
		if err != nil {
			switch {
			case errors.Is(err, ErrAccountDisabled):
				writeError(w, http.StatusForbidden, "account disabled")
			case errors.Is(err, ErrUnauthenticated):
				writeError(w, http.StatusUnauthorized, "invalid API key")
			default:
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "failed to verify API key")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}
