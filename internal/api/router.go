// Package api assembles the HTTP surface of the orchestration engine.
package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reelworks/orchestrator/internal/api/handlers"
	"github.com/reelworks/orchestrator/internal/api/middleware"
	"github.com/reelworks/orchestrator/internal/api/problem"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/events"
	"github.com/reelworks/orchestrator/internal/metrics"
	"github.com/rs/zerolog"
)

// Deps carries everything the router wires together. Pool is nil when the
// engine runs against the memory store.
type Deps struct {
	Service   *jobs.Service
	Bus       *events.Bus
	Pool      *pgxpool.Pool
	Env       string
	Version   string
	GitCommit string
	RateLimit middleware.RateLimitConfig
	Logger    zerolog.Logger
}

func NewRouter(deps Deps) http.Handler {
	jobsHandler := handlers.NewJobsHandler(deps.Service, deps.Env)
	streamHandler := handlers.NewStreamHandler(deps.Service, deps.Bus, deps.Env)
	health := handlers.NewHealthChecker(deps.Pool, deps.Version, deps.GitCommit)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", handlers.Healthz())
	mux.Handle("GET /readyz", health.Health())
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	tenant := middleware.RequireTenant(deps.Env)
	rateLimit := middleware.RateLimit(deps.RateLimit)
	bodyLimit := middleware.RequestSize(middleware.DefaultMaxBodySize)
	scoped := func(h http.Handler) http.Handler {
		return tenant(rateLimit(bodyLimit(h)))
	}

	mux.Handle("POST /api/v1/jobs", scoped(http.HandlerFunc(jobsHandler.Create)))
	mux.Handle("GET /api/v1/jobs", scoped(http.HandlerFunc(jobsHandler.List)))
	mux.Handle("GET /api/v1/jobs/{id}", scoped(http.HandlerFunc(jobsHandler.Get)))
	mux.Handle("POST /api/v1/jobs/{id}/cancel", scoped(http.HandlerFunc(jobsHandler.Cancel)))
	mux.Handle("POST /api/v1/jobs/{id}/pause", scoped(http.HandlerFunc(jobsHandler.Pause)))
	mux.Handle("POST /api/v1/jobs/{id}/resume", scoped(http.HandlerFunc(jobsHandler.Resume)))
	mux.Handle("GET /api/v1/jobs/{id}/items", scoped(http.HandlerFunc(jobsHandler.ListItems)))
	mux.Handle("GET /api/v1/jobs/{id}/events", scoped(http.HandlerFunc(streamHandler.Subscribe)))

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Not found", nil, deps.Env)
	}))

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(handler)
	handler = middleware.RequestLogging(deps.Logger)(handler)
	handler = middleware.CorrelationID(deps.Logger)(handler)
	return handler
}
