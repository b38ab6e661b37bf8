package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// telemetryPaths are client-telemetry endpoints Claude-compatible clients
// fire at whatever base URL they are pointed at. The proxy swallows them
// with a success response instead of forwarding them upstream.
var telemetryPaths = []string{
	"/v1/initialize",
	"/v1/log_event",
	"/v1/rgstr",
	"/statsig",
	"/telemetry",
	"/analytics",
	"/api/event_report",
	"/api/roundtrip_latency",
}

// TelemetryBlocker short-circuits statsig/metrics traffic with a 202 so the
// client treats its telemetry as delivered.
func TelemetryBlocker(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isTelemetryRequest(r) {
				logger.Debug("swallowed telemetry request", "host", r.Host, "path", r.URL.Path)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"success":true}`))

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isTelemetryRequest(r *http.Request) bool {
	if strings.Contains(r.Host, "statsig.anthropic.com") {
		return true
	}

	for _, p := range telemetryPaths {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}

	return false
}
