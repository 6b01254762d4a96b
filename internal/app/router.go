// Package app wires adapters together: HTTP routing, background sweeps and
// startup seeding.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/tonypi-fleet/internal/adapter/httpserver"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited per client IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/robots/{id}/commands", srv.SendCommandHandler())
		wr.Post("/v1/commands/broadcast", srv.BroadcastCommandHandler())
		wr.Post("/v1/alerts/{id}/ack", srv.AckAlertHandler())
		wr.Put("/v1/robots/{id}/thresholds/{metric}", srv.PutThresholdHandler())
		wr.Patch("/v1/robots/{id}/state", srv.SetRobotStateHandler())
	})

	// Read-only endpoints
	r.Get("/v1/robots", srv.ListRobotsHandler())
	r.Get("/v1/robots/{id}", srv.GetRobotHandler())
	r.Get("/v1/robots/{id}/telemetry/latest", srv.LatestTelemetryHandler())
	r.Get("/v1/robots/{id}/telemetry/history", srv.HistoryTelemetryHandler())
	r.Get("/v1/robots/{id}/thresholds", srv.ListThresholdsHandler())
	r.Get("/v1/robots/{id}/job", srv.RobotJobHandler())
	r.Get("/v1/jobs/active", srv.ActiveJobsHandler())
	r.Get("/v1/alerts", srv.ListAlertsHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
