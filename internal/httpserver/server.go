package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/loghive/loghive/internal/config"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router     *chi.Mux
	APIRouter  chi.Router // authenticated /api/v1 sub-router
	Logger     *slog.Logger
	IdentityDB *pgxpool.Pool
	LogsDB     *pgxpool.Pool
	Redis      *redis.Client
	Metrics    *prometheus.Registry
	startedAt  time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. apiMiddleware is applied to every /api/v1 route; pass the auth
// and rate-limit middleware here. Domain handlers are mounted on APIRouter
// after calling NewServer.
func NewServer(cfg *config.Config, logger *slog.Logger, identityDB, logsDB *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, apiMiddleware ...func(http.Handler) http.Handler) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		Logger:     logger,
		IdentityDB: identityDB,
		LogsDB:     logsDB,
		Redis:      rdb,
		Metrics:    metricsReg,
		startedAt:  time.Now(),
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-RateLimit-Limit-Minute", "X-RateLimit-Remaining-Minute", "X-RateLimit-Limit-Hour", "X-RateLimit-Remaining-Hour", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Authenticated API routes.
	s.Router.Route("/api/v1", func(r chi.Router) {
		for _, mw := range apiMiddleware {
			r.Use(mw)
		}

		// Store reference so domain handlers can be mounted externally.
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.IdentityDB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: identity database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "identity database not ready")
		return
	}

	if err := s.LogsDB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: logs database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "logs database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
