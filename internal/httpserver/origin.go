package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/origin"
)

// originMiddleware enforces the origin policy on browser requests and adds
// CORS headers so XHR clients on another origin can read responses. Requests
// without an Origin header (curl, native peers) pass through untouched.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			normalized, host, ok := origin.NormalizeHeader(originHeader)
			if !ok || !s.policy.Allows(normalized, host, r.Host) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", normalized)
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CheckWebSocketOrigin applies the same policy to WebSocket upgrades, whose
// Origin header browsers always send.
func (s *Server) CheckWebSocketOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(originHeader)
	return ok && s.policy.Allows(normalized, host, r.Host)
}
