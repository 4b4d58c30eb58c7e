package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest accepts the configured token as a bearer header or, for
// EventSource and WebSocket clients that cannot set headers, as ?token=.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	for _, candidate := range []string{
		bearerToken(r.Header.Get("Authorization")),
		strings.TrimSpace(r.URL.Query().Get("token")),
	} {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Token)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
