package handler

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"slimweb/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Engine reports on the running engine server. It is satisfied by
// *server.Server.
type Engine interface {
	Addr() net.Addr
	ActiveConnections() int
}

// HealthHandler serves the admin health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	engine  Engine
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, engine Engine, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, engine: engine, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Listen            string `json:"listen"`
	ActiveConnections int    `json:"active_connections"`
	MaxWorkers        int64  `json:"max_workers"`
	Compression       bool   `json:"compression"`
	ForwardURL        string `json:"forward_url,omitempty"`
}

// Status returns engine status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		Listen:      h.cfg.Server.Addr(),
		MaxWorkers:  h.cfg.Server.MaxWorkers,
		Compression: h.cfg.Server.Compression,
	}
	if h.engine != nil {
		if addr := h.engine.Addr(); addr != nil {
			resp.Listen = addr.String()
		}
		resp.ActiveConnections = h.engine.ActiveConnections()
	}
	if h.cfg.Forward.Enabled {
		resp.ForwardURL = h.cfg.Forward.BaseURL
	}
	return c.JSON(http.StatusOK, resp)
}
