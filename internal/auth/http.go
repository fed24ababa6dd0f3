// ABOUTME: HTTP middleware authenticating WebSocket upgrade requests
// ABOUTME: Resolves the agent from headers and adds it to the request context

package auth

import (
	"log/slog"
	"net/http"
)

// HTTPAuthMiddleware rejects requests the Authenticator does not accept and
// stores the agent id in the request context.
func HTTPAuthMiddleware(a *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID, err := a.Authenticate(r.Header.Get)
			if err != nil {
				if logger != nil {
					logger.Warn("auth failure", "reason", "rejected", "remote_addr", r.RemoteAddr, "error", err.Error())
				}
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agentID)))
		})
	}
}
