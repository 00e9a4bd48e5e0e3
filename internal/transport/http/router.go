package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/infrastructure"
	apimw "meshlicense/internal/middleware"
)

// RouterConfig carries the handlers and middleware mounted by NewRouter.
// Optional handlers are skipped when nil.
type RouterConfig struct {
	License     *LicenseHandler
	Health      *HealthHandler
	Events      http.Handler
	Metrics     http.Handler
	HTTPMetrics *infrastructure.HTTPMetrics
	RateLimiter *apimw.RateLimiter
	Errors      *licenseErrors.ErrorHandler

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter builds the node's HTTP API.
//
//	/healthz              liveness, readiness and version
//	/metrics              prometheus exposition
//	/v1/...               license ledger operations
//	/v1/events            websocket stream of ledger events
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.Logger == nil {
		cfg.Logger = infrastructure.GetLogger()
	}
	if cfg.Errors == nil {
		cfg.Errors = licenseErrors.NewErrorHandler(cfg.Logger, false)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(apimw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimw.StructuredLogger(cfg.Logger))
	r.Use(cfg.Errors.Middleware)
	if cfg.HTTPMetrics != nil {
		r.Use(cfg.HTTPMetrics.Middleware(routePattern))
	}
	r.NotFound(cfg.Errors.NotFound)
	r.MethodNotAllowed(cfg.Errors.MethodNotAllowed)

	if cfg.Health != nil {
		r.Mount("/healthz", cfg.Health.Routes())
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Events != nil {
			r.Method(http.MethodGet, "/events", cfg.Events)
		}
		if cfg.License != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
				if cfg.RateLimiter != nil {
					r.Use(cfg.RateLimiter.Handler)
				}
				r.Mount("/", cfg.License.Routes())
			})
		}
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
