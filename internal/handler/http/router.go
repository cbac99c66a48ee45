package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btachinardi/lemon-todo-sub000/internal/domain"
	"github.com/btachinardi/lemon-todo-sub000/internal/service"
	"github.com/btachinardi/lemon-todo-sub000/pkg/health"
	"github.com/btachinardi/lemon-todo-sub000/pkg/middleware"
)

// ServiceName labels metrics and spans.
const ServiceName = "auth"

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	CORS       middleware.CORSConfig
	PprofCIDRs []string
}

// NewRouter creates a chi router with all session routes registered.
func NewRouter(
	svc *service.SessionService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(ServiceName))
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())
	middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)

	h := NewAuthHandler(svc, logger)
	requireAuth := middleware.Auth(h.ValidateToken)

	r.Route("/auth", func(r chi.Router) {
		r.With(ContentTypeJSON).Post("/register", h.Register)
		r.With(ContentTypeJSON).Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)

		r.With(requireAuth).Get("/me", h.Me)
		r.With(requireAuth).Post("/logout-all", h.LogoutAll)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(middleware.RequireRole(domain.RoleAdmin))

		r.Post("/users/{id}/deactivate", h.DeactivateUser)
	})

	return r
}
