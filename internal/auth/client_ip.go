package auth

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver derives the rate-limit subject for a request. Two resolvers
// exist: ClientIP honors forwarding headers and PeerIP trusts only the
// transport peer. Deployments pick one based on whether a trusted reverse
// proxy strips client-supplied headers at the edge.
type IPResolver func(*http.Request) string

var forwardingHeaders = []string{"X-Forwarded-For", "X-Real-IP", "X-Client-IP"}

// ClientIP resolves the caller's address from forwarding headers in
// priority order, taking the first comma-separated value and trimming it,
// then falls back to the connection's peer address, then "unknown".
func ClientIP(r *http.Request) string {
	for _, header := range forwardingHeaders {
		value := strings.TrimSpace(r.Header.Get(header))
		if value == "" {
			continue
		}
		if ip := strings.TrimSpace(strings.SplitN(value, ",", 2)[0]); ip != "" {
			return ip
		}
	}

	return PeerIP(r)
}

// PeerIP ignores forwarding headers entirely. Use it when the service is
// reachable without a trusted proxy, since those headers are
// client-controlled.
func PeerIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}

	return r.RemoteAddr
}
