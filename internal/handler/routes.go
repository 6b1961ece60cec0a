package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/internal/config"
	"streamgate/internal/metrics"
)

// RegisterRoutes wires the local route handlers onto the Echo instance.
// These routes are only reachable for requests no forwarding rule claimed.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, health *HealthHandler, admin *AdminHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)
	e.GET("/gateway/routes", admin.Routes)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}
}
