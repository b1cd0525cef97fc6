package httpapi

import (
	"net/http"
	"strings"

	"github.com/agentworkforce/dotpaths/internal/logging"
)

const keyHeader = "X-Dotpaths-Key"

// requestKey reads the shared secret from the key query parameter, falling
// back to the X-Dotpaths-Key header.
func requestKey(r *http.Request) string {
	if key := r.URL.Query().Get("key"); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(keyHeader))
}

// requireKey rejects admin requests whose key does not match the cleanup key.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Cleanup == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "admin endpoints are not configured", getCorrelationID(r))
			return
		}
		if err := s.deps.Cleanup.Authorize(requestKey(r)); err != nil {
			logging.Ctx(r.Context(), s.log).Warn().Str("path", r.URL.Path).Msg("admin key mismatch")
			writeError(w, http.StatusForbidden, "forbidden", "security key does not match", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}
