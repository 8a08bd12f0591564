// Package server accepts connections and runs the exchange state machine on
// each of them, one goroutine per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"slimweb/bytestream"
	"slimweb/conn"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// DefaultMaxWorkers bounds concurrent connections when MaxWorkers is 0.
const DefaultMaxWorkers = 1024

// Server serves HTTP/1.x on one or more listeners.
type Server struct {
	Handler conn.Handler
	Config  conn.Config

	// TLS, when set, wraps every accepted socket. The handshake runs under
	// the header budget.
	TLS *bytestream.TLSProvider

	// MaxWorkers bounds the number of connections served at once. Accepting
	// pauses while the limit is reached.
	MaxWorkers int64

	// AcceptRate limits new connections per second; 0 disables the limit.
	AcceptRate  float64
	AcceptBurst int

	Logger *slog.Logger

	initOnce sync.Once
	log      *slog.Logger
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn.Conn]struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// Serve is a convenience for serving ln with h and cfg.
func Serve(ln net.Listener, h conn.Handler, cfg conn.Config) error {
	s := &Server{Handler: h, Config: cfg}
	return s.Serve(ln)
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		logger := s.Logger
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		s.log = logger.With("component", "server")
		if s.Config.Logger == nil {
			s.Config.Logger = logger
		}
		workers := s.MaxWorkers
		if workers <= 0 {
			workers = DefaultMaxWorkers
		}
		s.sem = semaphore.NewWeighted(workers)
		if s.AcceptRate > 0 {
			burst := s.AcceptBurst
			if burst <= 0 {
				burst = max(1, int(s.AcceptRate))
			}
			s.limiter = rate.NewLimiter(rate.Limit(s.AcceptRate), burst)
		}
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.listeners = make(map[net.Listener]struct{})
		s.conns = make(map[*conn.Conn]struct{})
	})
}

// ListenAndServe listens on the TCP address addr and serves it.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called or ln fails. It
// always closes ln. After Shutdown it returns ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.init()
	if s.Handler == nil {
		return errors.New("server: no handler")
	}
	if !s.track(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrack(ln)

	s.log.Info("serving", "addr", ln.Addr().String(), "tls", s.TLS != nil)
	var backoff time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return ErrServerClosed
			}
		}
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return ErrServerClosed
		}
		nc, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.closed.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.wg.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	var stream bytestream.Stream
	if s.TLS != nil {
		var hsDeadline time.Time
		if d := s.Config.Budget.Header; d > 0 {
			hsDeadline = time.Now().Add(d)
		}
		st, err := s.TLS.Server(nc, hsDeadline)
		if err != nil {
			s.log.Debug("tls handshake failed", "remote", nc.RemoteAddr().String(), "error", err)
			nc.Close()
			return
		}
		stream = st
	} else {
		stream = bytestream.Plain(nc)
	}

	c := conn.New(stream, s.Config)
	if !s.add(c) {
		c.Close()
		return
	}
	defer s.remove(c)

	if err := c.Serve(s.Handler); err != nil {
		s.log.Debug("connection ended with error", "remote", nc.RemoteAddr().String(), "error", err)
	}
}

// Shutdown stops accepting, lets in-flight exchanges finish with
// "Connection: close" and closes idle connections. It waits for every
// connection to end or for ctx to expire, in which case the remaining
// connections are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	s.closed.Store(true)
	s.cancel()
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.conns {
		c.Retire()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("server stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.conns)
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.log.Warn("shutdown deadline reached, connections closed", "count", n)
		return ctx.Err()
	}
}

// Addr returns the address of one active listener, or nil.
func (s *Server) Addr() net.Addr {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ln := range s.listeners {
		return ln.Addr()
	}
	return nil
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrack(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
	ln.Close()
}

func (s *Server) add(c *conn.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) remove(c *conn.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
