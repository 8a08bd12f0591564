package handler

import (
	"log/slog"

	"slimweb"
	"slimweb/codec"
	"slimweb/internal/config"
)

// EngineHandlers serves the built-in routes of the engine listener.
type EngineHandlers struct {
	maxBody int64
	logger  *slog.Logger
}

// NewEngineHandlers creates the built-in engine routes.
func NewEngineHandlers(cfg *config.Config, logger *slog.Logger) *EngineHandlers {
	return &EngineHandlers{
		maxBody: cfg.Limits.MaxBodyBytes,
		logger:  logger.With("component", "engine_handlers"),
	}
}

// Healthz answers liveness probes sent to the engine port.
func (h *EngineHandlers) Healthz(*slimweb.Request) (*slimweb.Response, error) {
	return slimweb.Text(200, "ok\n"), nil
}

// Echo sends the request body back. The response keeps the request's
// Content-Type and is gzip-compressed when the peer accepts it.
func (h *EngineHandlers) Echo(req *slimweb.Request) (*slimweb.Response, error) {
	b, err := slimweb.ReadAll(req.Body, h.maxBody)
	if err != nil {
		return nil, err
	}
	resp := slimweb.Status(200)
	ct := req.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	_ = resp.Header.Set("Content-Type", ct)
	resp.SetBody(b)
	resp.Compress = true
	return resp, nil
}

// inspection describes a request as the engine parsed it.
type inspection struct {
	Method        string              `json:"method"`
	Target        string              `json:"target"`
	Version       string              `json:"version"`
	Path          string              `json:"path"`
	Query         map[string][]string `json:"query,omitempty"`
	Host          string              `json:"host"`
	RemoteAddr    string              `json:"remote_addr"`
	Headers       []slimweb.Field     `json:"headers"`
	ContentLength int64               `json:"content_length"`
	BodyBytes     int                 `json:"body_bytes"`
	Trailer       []slimweb.Field     `json:"trailer,omitempty"`
}

// Inspect reports the parsed request as JSON. The body is read and counted
// so chunked trailers are available.
func (h *EngineHandlers) Inspect(req *slimweb.Request) (*slimweb.Response, error) {
	b, err := slimweb.ReadAll(req.Body, h.maxBody)
	if err != nil {
		return nil, err
	}
	out := inspection{
		Method:        string(req.Method),
		Target:        req.Target,
		Version:       req.Version.String(),
		Path:          req.Path,
		Host:          req.Host,
		RemoteAddr:    req.RemoteAddr,
		Headers:       req.Header.Fields(),
		ContentLength: req.ContentLength,
		BodyBytes:     len(b),
		Trailer:       req.Trailer.Fields(),
	}
	if q := req.Query(); len(q) > 0 {
		out.Query = q
	}
	h.logger.Debug("inspected request", "method", req.Method, "path", req.Path, "body_bytes", len(b))
	return codec.JSONResponse(200, out)
}
