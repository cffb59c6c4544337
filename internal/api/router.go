// Package api assembles the HTTP surface of the reconciliation engine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/api/handlers"
	"github.com/drfirst/medrecon/internal/api/middleware"
	"github.com/drfirst/medrecon/internal/observability/metrics"
	"github.com/drfirst/medrecon/internal/service"
)

// Config configures the router
type Config struct {
	ServiceName string
	// APIKeys maps API keys to client ids
	APIKeys        map[string]string
	RateLimitRPS   float64
	RateLimitBurst int64
	// ReadyChecks back /ready
	ReadyChecks map[string]handlers.Check
	Metrics     *metrics.Metrics
	// MetricsHandler serves /metrics; nil serves the default registry
	MetricsHandler http.Handler
}

// NewRouter wires middleware and handlers. /health, /ready and /metrics
// are served without authentication.
func NewRouter(svc *service.Service, cfg Config, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "medrecon"
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = metrics.Handler()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, cfg.Metrics))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(cfg.ReadyChecks, 3*time.Second))
	r.Handle("/metrics", cfg.MetricsHandler)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Metrics)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(limiter.Handler)
		r.Mount("/patients", handlers.NewPatientHandler(svc, logger).Routes())
		r.Mount("/drugs", handlers.NewDrugHandler(svc).Routes())
	})

	return r
}
