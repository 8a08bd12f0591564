// Package client sends single HTTP/1.x exchanges over the connection state
// machine. A Client keeps at most one idle connection for reuse and never
// retries a failed exchange.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"slimweb"
	"slimweb/bytestream"
	"slimweb/codec"
	"slimweb/conn"
	"slimweb/deadline"
)

// DefaultUserAgent is sent when a request carries no User-Agent.
const DefaultUserAgent = "slimweb"

// Options configures a Client.
type Options struct {
	// Config is the connection policy, usually derived from
	// conn.DefaultConfig. Config.Compression makes the client advertise
	// gzip and decode gzip responses.
	Config conn.Config

	// TLS secures https destinations. Without it https requests fail.
	TLS *bytestream.TLSProvider

	UserAgent string
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// Client sends requests. It is safe for concurrent use; concurrent sends
// use separate connections.
type Client struct {
	cfg       conn.Config
	dialer    bytestream.Dialer
	userAgent string
	log       *slog.Logger

	mu      sync.Mutex
	idle    *conn.Conn
	idleKey string
	closed  bool
}

// New returns a Client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := opts.Config
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &Client{
		cfg:       cfg,
		dialer:    bytestream.Dialer{TLS: opts.TLS, KeepAlive: opts.KeepAlive},
		userAgent: ua,
		log:       logger.With("component", "client"),
	}
}

// NewRequest builds a request for rawURL. Credentials in the URL become a
// Basic Authorization header, international host names are converted to
// punycode, and the Host header omits the scheme's default port. Bodies of
// type *bytes.Reader, *bytes.Buffer and *strings.Reader are sent with a
// Content-Length; other readers are streamed.
func NewRequest(method slimweb.Method, rawURL string, body io.Reader) (*slimweb.Request, error) {
	if !method.Valid() {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, "new request", "invalid method %q", method)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", u.Redacted())
	}
	host, err := httpguts.PunycodeHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("convert host %q: %w", u.Host, err)
	}
	u.Host = host

	req := slimweb.NewRequest(method, u.RequestURI())
	if err := req.Header.Set("Host", hostHeader(u)); err != nil {
		return nil, err
	}
	if u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		_ = req.Header.Set("Authorization", "Basic "+cred)
		u.User = nil
	}
	req.URL = u

	switch b := body.(type) {
	case nil:
	case *bytes.Reader:
		req.Body, req.ContentLength = b, int64(b.Len())
	case *bytes.Buffer:
		req.Body, req.ContentLength = b, int64(b.Len())
	case *strings.Reader:
		req.Body, req.ContentLength = b, int64(b.Len())
	default:
		req.SetStream(body)
	}
	if req.ContentLength == 0 && req.Body != nil {
		req.Body = nil
	}
	return req, nil
}

// Send performs one exchange. budget bounds each phase; a zero budget uses
// the client's configured one. The deadline of ctx, if any, bounds the whole
// exchange including reading the response body, and cancelling ctx closes
// the connection. The response body must be read to the end or closed.
func (c *Client) Send(ctx context.Context, req *slimweb.Request, budget deadline.Budget) (*slimweb.Response, error) {
	if req.URL == nil {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, "send", "request has no destination URL")
	}
	if budget == (deadline.Budget{}) {
		budget = c.cfg.Budget
	}
	if err := c.prepare(req); err != nil {
		return nil, err
	}

	secure := req.URL.Scheme == "https"
	addr := dialAddr(req.URL)
	key := req.URL.Scheme + "://" + addr
	ceiling, _ := ctx.Deadline()

	cn := c.takeIdle(key)
	if cn == nil {
		var err error
		cn, err = c.dial(ctx, addr, secure, req.URL.Hostname(), deadline.Earliest(ceiling, phaseEnd(budget.Header)))
		if err != nil {
			return nil, fmt.Errorf("send %s %s: %w", req.Method, req.URL.Redacted(), err)
		}
	}
	cn.SetBudget(budget)

	stop := context.AfterFunc(ctx, func() { cn.Close() })
	cn.OnIdle(func(cn *conn.Conn) {
		stop()
		c.putIdle(key, cn)
	})

	resp, err := cn.RoundTrip(req, ceiling)
	if err != nil {
		stop()
		if cerr := ctx.Err(); cerr != nil {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
		c.log.Warn("exchange failed", "method", req.Method, "url", req.URL.Redacted(),
			"kind", slimweb.KindName(err), "error", err)
		return nil, fmt.Errorf("send %s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	resp.Body = &body{r: resp.Body, stop: stop}
	return resp, nil
}

// Close closes the idle connection, if any. Responses still being read are
// unaffected.
func (c *Client) Close() error {
	c.mu.Lock()
	idle := c.idle
	c.idle, c.closed = nil, true
	c.mu.Unlock()
	if idle != nil {
		return idle.Close()
	}
	return nil
}

func (c *Client) prepare(req *slimweb.Request) error {
	if !req.Header.Has("User-Agent") {
		if err := req.Header.Set("User-Agent", c.userAgent); err != nil {
			return err
		}
	}
	if !c.cfg.Compression {
		return nil
	}
	if !req.Header.Has("Accept-Encoding") {
		_ = req.Header.Set("Accept-Encoding", codec.Gzip)
	}
	if req.Compress && req.Body != nil && !req.Header.Has("Content-Encoding") {
		zr, err := codec.Compress(req.Body, c.cfg.CompressionLevel)
		if err != nil {
			return err
		}
		req.Header.Del("Content-Length")
		_ = req.Header.Set("Content-Encoding", codec.Gzip)
		req.SetStream(zr)
	}
	return nil
}

func (c *Client) dial(ctx context.Context, addr string, secure bool, serverName string, dl time.Time) (*conn.Conn, error) {
	s, err := c.dialer.Dial(ctx, addr, secure, serverName, dl)
	if err != nil {
		return nil, err
	}
	c.log.Debug("connected", "addr", addr, "tls", secure)
	return conn.New(s, c.cfg), nil
}

func (c *Client) takeIdle(key string) *conn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn := c.idle
	if cn == nil || c.idleKey != key {
		return nil
	}
	c.idle = nil
	if cn.State() != conn.Idle {
		return nil
	}
	return cn
}

func (c *Client) putIdle(key string, cn *conn.Conn) {
	c.mu.Lock()
	prev := c.idle
	if c.closed {
		c.mu.Unlock()
		cn.Close()
		return
	}
	c.idle, c.idleKey = cn, key
	c.mu.Unlock()
	if prev != nil && prev != cn {
		prev.Close()
	}
}

// body releases the cancellation hook once the response body is finished.
type body struct {
	r    io.Reader
	stop func() bool
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil {
		b.stop()
	}
	return n, err
}

func (b *body) Close() error {
	b.stop()
	if c, ok := b.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func phaseEnd(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func dialAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func hostHeader(u *url.URL) string {
	if p := u.Port(); p != "" && p != defaultPort(u.Scheme) {
		return u.Host
	}
	h := u.Hostname()
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
