package security

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
// The scheme is matched case-insensitively and the token is trimmed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "bearer "
	if len(authHeader) <= len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}

// RequireToken wraps next so that requests must carry the bearer token
// returned by expected. An empty expected token disables the check, which
// lets the token be turned on or off by a config reload.
func RequireToken(expected func() string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := expected()
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := ExtractBearerToken(r.Header.Get("Authorization"))
		if !TokenMatch(token, want) {
			slog.Warn("rejected invalid auth token", "client_ip", ExtractClientIP(r.RemoteAddr), "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
