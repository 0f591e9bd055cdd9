// Package app wires configuration, adapters, and services into the running
// gateway: the HTTP router, readiness probes, and background sweepers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-apply-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/config"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, verifier domain.TokenVerifier, ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Client API. The SSE stream route skips the IP limiter and the server
	// write timeout budget is handled at the http.Server level.
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(httpserver.Authenticate(verifier))

		v1.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.HTTPRateLimitPerMin, 1*time.Minute))
			wr.Post("/applications", srv.SubmitApplication)
			wr.Post("/applications/{id}/cancel", srv.CancelApplication)
			wr.Post("/batch-jobs", srv.SubmitBatch)
			wr.Post("/batch-jobs/{id}/cancel", srv.CancelBatch)
		})

		v1.Get("/applications/{id}", srv.GetApplication)
		v1.Get("/applications/{id}/artifact", srv.GetArtifact)
		v1.Get("/applications/{id}/stream", srv.StreamApplication)
		v1.Get("/batch-jobs/{id}", srv.GetBatch)
	})

	// Worker callbacks authenticate with the shared internal key, not JWT.
	r.Route("/internal", func(in chi.Router) {
		in.Use(httpserver.InternalKey(cfg.InternalAPIKey))
		in.Post("/jobs/{id}/events", srv.JobCallback)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	if ready != nil {
		r.Get("/readyz", ready.Handler())
	}

	return httpserver.SecurityHeaders(r)
}
