// Package upstream provides the outgoing client used for forwarded requests.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"slimweb"
	"slimweb/client"
	"slimweb/deadline"
	"slimweb/internal/config"
	"slimweb/internal/metrics"
)

// Client sends forwarded requests to the upstream server.
type Client struct {
	client  *client.Client
	budget  deadline.Budget
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a Client from the [client] and [forward] config sections.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	opts, err := cfg.Client(logger)
	if err != nil {
		return nil, err
	}
	if m != nil {
		opts.Config.Observer = m.Observer(metrics.RoleClient)
	}
	return &Client{
		client:  client.New(opts),
		budget:  opts.Config.Budget,
		timeout: time.Duration(cfg.Forward.TimeoutMS) * time.Millisecond,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}, nil
}

// Do sends req and returns the response with its body still streaming.
// The forward timeout bounds the whole exchange including the body; the
// returned body must be closed to release it.
func (c *Client) Do(req *slimweb.Request) (*slimweb.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	start := time.Now()
	resp, err := c.client.Send(ctx, req, c.budget)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(string(req.Method))
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	resp.Body = &releasingBody{body: resp.Body, cancel: cancel}
	return resp, nil
}

// Close drops the idle upstream connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// releasingBody cancels the exchange context once the body is closed.
type releasingBody struct {
	body   io.Reader
	cancel context.CancelFunc
}

func (b *releasingBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *releasingBody) Close() error {
	defer b.cancel()
	if c, ok := b.body.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
