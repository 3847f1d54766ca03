package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientIPHeaderPriority(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "forwarded-for wins over everything",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5", "X-Real-IP": "198.51.100.7"},
			remote:  "10.0.0.9:41234",
			want:    "203.0.113.5",
		},
		{
			name:    "forwarded-for takes first hop and trims",
			headers: map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1, 10.0.0.2"},
			remote:  "10.0.0.9:41234",
			want:    "203.0.113.5",
		},
		{
			name:    "real-ip when forwarded-for absent",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"},
			remote:  "10.0.0.9:41234",
			want:    "198.51.100.7",
		},
		{
			name:    "client-ip as last header resort",
			headers: map[string]string{"X-Client-IP": "192.0.2.44"},
			remote:  "10.0.0.9:41234",
			want:    "192.0.2.44",
		},
		{
			name:   "remote addr without headers",
			remote: "10.0.0.9:41234",
			want:   "10.0.0.9",
		},
		{
			name:   "remote addr without port",
			remote: "10.0.0.9",
			want:   "10.0.0.9",
		},
		{
			name:   "no remote addr at all",
			remote: "",
			want:   "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for name, value := range tt.headers {
				req.Header.Set(name, value)
			}
			require.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestPeerIPIgnoresForwardingHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:41234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")

	require.Equal(t, "10.0.0.9", PeerIP(req))
}
