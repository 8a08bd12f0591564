package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slimweb"
	"slimweb/internal/config"
	"slimweb/internal/metrics"
	"slimweb/server"
)

// RegisterAdminRoutes wires the admin plane onto the Echo instance.
func RegisterAdminRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

// RegisterEngineRoutes wires the built-in routes and, when configured, the
// forward prefix onto the engine mux. forward may be nil.
func RegisterEngineRoutes(mux *server.Mux, builtin *EngineHandlers, forward *ForwardHandler, cfg *config.Config) {
	mux.HandleFunc(slimweb.MethodGet, "/healthz", builtin.Healthz)
	mux.HandleFunc(slimweb.MethodPost, "/echo", builtin.Echo)
	mux.HandleFunc(slimweb.MethodPut, "/echo", builtin.Echo)
	mux.HandleFunc(slimweb.MethodGet, "/inspect", builtin.Inspect)
	mux.HandleFunc(slimweb.MethodPost, "/inspect", builtin.Inspect)

	if forward != nil && cfg.Forward.Enabled {
		mux.HandlePrefix(cfg.Forward.Prefix, forward)
	}
}
