package api

import (
	"net/http"

	"trainingjobs/internal/health"
	"trainingjobs/internal/observability"
	"trainingjobs/internal/training"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *training.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string // guards the lifecycle routes, empty disables auth
	WebhookSecret string // HMAC key for provider callbacks, empty accepts unsigned
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker, cfg.WebhookSecret)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Provider callbacks - authenticated by signature, not by API key.
	// The body is parsed leniently whatever Content-Type the provider sends.
	r.Post("/webhooks/training/{jobId}", handler.Webhook)

	// Job endpoints - auth required
	r.Route("/v1/training/jobs", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Use(ContentTypeMiddleware())

		r.Post("/", handler.CreateJob)
		r.Get("/", handler.ListJobs)
		r.Get("/{jobId}", handler.GetJob)
		r.Delete("/{jobId}", handler.DeleteJob)
		r.Post("/{jobId}/sync", handler.SyncJob)
		r.Post("/{jobId}/cancel", handler.CancelJob)
	})

	return r
}
