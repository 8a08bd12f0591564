package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"slimweb"
	"slimweb/codec"
	"slimweb/internal/service"
)

// ForwardHandler relays engine requests under the forward prefix to the
// upstream server.
type ForwardHandler struct {
	service *service.ForwardService
	logger  *slog.Logger
}

// NewForwardHandler creates a ForwardHandler.
func NewForwardHandler(svc *service.ForwardService, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		service: svc,
		logger:  logger.With("component", "forward_handler"),
	}
}

// Serve forwards req and streams the upstream response back. If the
// upstream body fails mid-stream the status line has already been sent, so
// the engine aborts the connection and the peer sees a truncated response.
func (h *ForwardHandler) Serve(req *slimweb.Request) (*slimweb.Response, error) {
	resp, err := h.service.Forward(req)
	if err != nil {
		return h.mapError(req, err)
	}
	return resp, nil
}

func (h *ForwardHandler) mapError(req *slimweb.Request, err error) (*slimweb.Response, error) {
	h.logger.Error("forward error",
		"err", err,
		"kind", slimweb.KindName(err),
		"path", req.Path,
	)

	// The engine answers request body failures with their own status.
	if errors.Is(err, service.ErrRequestBody) {
		return nil, err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, slimweb.ErrTimeout) {
		return codec.JSONResponse(504, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return codec.JSONResponse(502, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return codec.JSONResponse(502, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return codec.JSONResponse(502, map[string]string{
		"error": "upstream request failed",
	})
}
