package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"ProofMarket/pkg/logger"
)

// requireToken guards next with a static bearer token. An empty token
// disables the check.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			logger.Audit().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.Bool("token_present", ok),
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}
