package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"keygate/internal/auth"
	"keygate/internal/config"
	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/middleware"
)

// RouterDeps bundles everything the router needs.
type RouterDeps struct {
	Engine  *license.Engine
	Issuer  *auth.TokenIssuer
	Auth    config.AuthConfig
	Metrics http.Handler
	Logger  *slog.Logger

	// Zero values fall back to the built-in defaults.
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the full route tree with the standard middleware chain.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(deps.Logger))
	r.Use(middleware.Recoverer(deps.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Timeout(config.DefaultHTTPTimeout))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	rps, burst := deps.RateLimitRPS, deps.RateLimitBurst
	if rps <= 0 {
		rps = config.DefaultRateLimit
	}
	if burst <= 0 {
		burst = config.DefaultBurstSize
	}
	limiter := middleware.NewRateLimiter(rps, burst, deps.Logger)
	r.Use(limiter.Handler)

	device := NewDeviceHandler(deps.Engine, deps.Logger)
	admin := NewAdminHandler(deps.Engine, deps.Issuer, deps.Auth, deps.Logger)
	health := NewHealthHandler(deps.Engine)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", device.Routes())
		r.Mount("/admin", admin.Routes())
		r.Get("/healthz", health.Healthz)
	})
	r.Get("/healthz", health.Healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.Render(w, r, apierrors.ErrNotFound)
	})
	return r
}

// HealthHandler serves liveness output with cache statistics.
type HealthHandler struct {
	engine  *license.Engine
	started time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(engine *license.Engine) *HealthHandler {
	return &HealthHandler{engine: engine, started: time.Now()}
}

// Healthz handles GET /healthz.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":  "ok",
		"service": config.AppName,
		"version": config.AppVersion,
		"uptime":  time.Since(h.started).String(),
		"caches":  h.engine.CacheStats(),
	})
}
