package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/auth"
	"github.com/open-dispatch/opendispatch/internal/instancemanager"
	"github.com/open-dispatch/opendispatch/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Manager     *instancemanager.Manager
	Hub         *websocket.Hub
	Logger      *zap.Logger

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
// All routes are registered under /api/v1. /healthz and /metrics sit outside
// that prefix, per convention for infra probes and scrapers.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	instanceHandler := NewInstanceHandler(cfg.Manager, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Manager, cfg.Logger)
	jwtMgr := cfg.AuthService.JWTManager()
	wsHandler := NewWSHandler(cfg.Hub, jwtMgr, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		Ok(w, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// The log relay WebSocket authenticates itself: ServeWS validates
			// the JWT passed in the `token` query parameter.
			r.Get("/jobs/{id}/logs/ws", wsHandler.ServeWS)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Instances: reads are open to any authenticated operator;
			// anything that spawns, destroys, or drives an instance is a
			// management action and additionally requires role "admin".
			r.Get("/instances", instanceHandler.List)
			r.With(RequireRole("admin")).Post("/instances", instanceHandler.Create)
			r.With(RequireRole("admin")).Delete("/instances/{id}", instanceHandler.Delete)
			r.With(RequireRole("admin")).Post("/instances/{id}/send", instanceHandler.Send)

			// Jobs
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Get("/jobs/{id}/logs", jobHandler.GetLogs)
		})
	})

	return r
}
