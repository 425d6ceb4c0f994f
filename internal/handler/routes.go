package handler

import (
	"github.com/labstack/echo/v4"

	"fms-proxy/internal/config"
	"fms-proxy/internal/metrics"
	"fms-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Security headers are added to local pages only; proxied responses carry
// the upstream headers untouched.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	secure := middleware.SecurityHeaders()

	e.GET("/", Landing, secure)
	e.GET("/healthz", health.Healthz, secure)
	e.GET("/proxy/status", health.Status, secure)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}

	e.GET(OutlookPrefix+"*", proxy.Handle)
}
