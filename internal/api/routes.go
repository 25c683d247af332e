package api

import (
	"net/http"

	"seedkeeper/internal/health"
	"seedkeeper/internal/job"
	"seedkeeper/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Items         ItemStore
	Workers       WorkerLister
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Items, cfg.Workers, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints - no auth required
	RegisterProbes(mux, handler)

	// Host API endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/downloads", authMiddleware(http.HandlerFunc(handler.Download)))
	mux.Handle("GET /v1/descriptors/size", authMiddleware(http.HandlerFunc(handler.DescriptorSize)))
	mux.Handle("GET /v1/items", authMiddleware(http.HandlerFunc(handler.ListItems)))
	mux.Handle("DELETE /v1/items/{id}", authMiddleware(http.HandlerFunc(handler.DeleteItem)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

// NewProbeMux serves the liveness and readiness probes next to the metrics handler.
func NewProbeMux(checker *health.Checker, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterProbes(mux, NewHandler(nil, nil, nil, checker))
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

// RegisterProbes adds /livez and /readyz to mux.
func RegisterProbes(mux *http.ServeMux, handler *Handler) {
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
}
