// Package service implements request forwarding to an upstream server.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"slimweb"
	"slimweb/client"
	"slimweb/internal/config"
)

// Doer sends a request upstream. It is satisfied by *upstream.Client.
type Doer interface {
	Do(req *slimweb.Request) (*slimweb.Response, error)
}

// ErrRequestBody is returned when forwarding failed because the incoming
// request body could not be read.
var ErrRequestBody = errors.New("read request body")

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Framing and routing headers are recomputed for each hop.
var recomputedHeaders = []string{"Host", "Content-Length", "Expect"}

const via = "1.1 slimweb"

// ForwardService rewrites engine requests under a path prefix onto the
// upstream base URL and relays the responses.
type ForwardService struct {
	client  Doer
	logger  *slog.Logger
	baseURL *url.URL
	prefix  string
}

// NewForwardService creates a ForwardService from the [forward] config section.
func NewForwardService(c Doer, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	u, err := url.Parse(cfg.Forward.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse forward base_url: %w", err)
	}
	return &ForwardService{
		client:  c,
		logger:  logger.With("component", "forward_service"),
		baseURL: u,
		prefix:  cfg.Forward.Prefix,
	}, nil
}

// Prefix returns the engine path prefix the service answers for.
func (s *ForwardService) Prefix() string { return s.prefix }

// Forward sends req upstream and returns the upstream response with its
// body streaming. The caller is responsible for closing the response body.
func (s *ForwardService) Forward(req *slimweb.Request) (*slimweb.Response, error) {
	target := s.buildUpstreamURL(req.Path, req.RawQuery)
	out, err := client.NewRequest(req.Method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if err := s.copyRequestHeaders(out, req); err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	var body *trackedBody
	if req.Body != nil && req.ContentLength != 0 {
		body = &trackedBody{r: req.Body}
		if req.ContentLength > 0 {
			out.Body, out.ContentLength = body, req.ContentLength
		} else {
			out.SetStream(body)
		}
	}

	s.logger.Debug("forwarding request",
		"method", req.Method,
		"path", req.Path,
		"upstream", out.URL.Redacted(),
	)

	resp, err := s.client.Do(out)
	if err != nil {
		if body != nil && body.err != nil {
			return nil, fmt.Errorf("forward to upstream: %w: %w", ErrRequestBody, body.err)
		}
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	s.relayResponse(req.Method, resp)
	return resp, nil
}

func (s *ForwardService) buildUpstreamURL(path, rawQuery string) string {
	u := *s.baseURL
	rest := strings.TrimPrefix(path, s.prefix)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + rest
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	return u.String()
}

func (s *ForwardService) copyRequestHeaders(dst, src *slimweb.Request) error {
	skip := connectionTokens(src.Header)
	for _, f := range src.Header.Fields() {
		if skip[strings.ToLower(f.Name)] {
			continue
		}
		if err := dst.Header.Add(f.Name, f.Value); err != nil {
			return err
		}
	}

	if ip := clientIP(src.RemoteAddr); ip != "" {
		if prior := src.Header.Combined("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		if err := dst.Header.Set("X-Forwarded-For", ip); err != nil {
			return err
		}
	}
	if src.Host != "" && !src.Header.Has("X-Forwarded-Host") {
		if err := dst.Header.Set("X-Forwarded-Host", src.Host); err != nil {
			return err
		}
	}
	return dst.Header.Add("Via", via)
}

// relayResponse strips hop-by-hop fields from an upstream response before it
// is written to the engine peer.
func (s *ForwardService) relayResponse(method slimweb.Method, resp *slimweb.Response) {
	for name := range connectionTokens(resp.Header) {
		if name != "content-length" {
			resp.Header.Del(name)
		}
	}
	_ = resp.Header.Add("Via", via)

	if method == slimweb.MethodHead || resp.StatusCode == 304 {
		// The upstream Content-Length describes the entity; keep it and let
		// the declared length frame an empty body.
		if resp.Header.Has("Content-Length") {
			resp.ContentLength = -1
		}
		return
	}
	resp.Header.Del("Content-Length")
	if resp.ContentLength == 0 {
		_ = resp.Header.Set("Content-Length", "0")
	}
}

// connectionTokens returns the lower-cased names of fields that must not
// cross a hop: the fixed hop-by-hop set, the framing fields and any field
// named in Connection.
func connectionTokens(h slimweb.Header) map[string]bool {
	skip := make(map[string]bool, len(hopByHopHeaders)+len(recomputedHeaders))
	for _, name := range hopByHopHeaders {
		skip[strings.ToLower(name)] = true
	}
	for _, name := range recomputedHeaders {
		skip[strings.ToLower(name)] = true
	}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				skip[strings.ToLower(tok)] = true
			}
		}
	}
	return skip
}

// trackedBody remembers the first read error of the incoming body.
type trackedBody struct {
	r   io.Reader
	err error
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

func clientIP(remote string) string {
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
