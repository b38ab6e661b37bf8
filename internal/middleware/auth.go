// Package middleware holds the HTTP middleware for the client edge:
// proxy-key authentication, request logging, and client-telemetry
// swallowing. All of it is chi-compatible func(http.Handler) http.Handler.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jiafuei/ccproxy/internal/config"
)

type authMiddleware struct {
	manager *config.Manager
	logger  *slog.Logger
}

// Auth rejects requests whose bearer token or X-API-Key does not match the
// configured proxy api_key. When no key is configured, all requests pass.
// Health checks are always exempt.
func Auth(manager *config.Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	am := &authMiddleware{manager: manager, logger: logger}
	return am.middleware
}

func (am *authMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := am.authenticate(r); err != nil {
			am.logger.Warn("authentication failed", "error", err, "remote_addr", r.RemoteAddr)
			http.Error(w, "proxy API key not authorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (am *authMiddleware) authenticate(r *http.Request) error {
	if r.URL.Path == "/health" {
		return nil
	}

	cfg, err := am.manager.Get()
	if err != nil || cfg.APIKey == "" {
		return nil
	}

	var token string

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		token = apiKey
	}

	if token == "" {
		return errors.New("no authentication token provided")
	}

	if token != cfg.APIKey {
		return errors.New("invalid API key")
	}

	return nil
}
