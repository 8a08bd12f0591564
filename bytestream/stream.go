// Package bytestream provides the byte-level transport the HTTP engine runs
// on: a blocking read/write capability bounded by absolute deadlines, over
// either a plaintext or a TLS-wrapped socket.
package bytestream

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"slimweb"
)

// Stream is a bidirectional byte stream. Every blocking call takes an
// absolute deadline; the zero time means no deadline. A call that outlives
// its deadline fails with an error matching slimweb.ErrTimeout. End of
// stream is reported as io.EOF.
type Stream interface {
	Read(p []byte, deadline time.Time) (int, error)
	Write(p []byte, deadline time.Time) (int, error)

	// Shutdown stops the write side so the peer sees end of stream while
	// pending reads may still complete.
	Shutdown() error
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Secure() bool
}

type netStream struct {
	c      net.Conn
	secure bool
}

// Plain wraps a plaintext connection.
func Plain(c net.Conn) Stream {
	return &netStream{c: c}
}

func (s *netStream) Read(p []byte, deadline time.Time) (int, error) {
	if err := s.c.SetReadDeadline(deadline); err != nil {
		return 0, classify("read", err)
	}
	n, err := s.c.Read(p)
	return n, classify("read", err)
}

func (s *netStream) Write(p []byte, deadline time.Time) (int, error) {
	if err := s.c.SetWriteDeadline(deadline); err != nil {
		return 0, classify("write", err)
	}
	n, err := s.c.Write(p)
	return n, classify("write", err)
}

func (s *netStream) Shutdown() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := s.c.(closeWriter); ok {
		return classify("shutdown", cw.CloseWrite())
	}
	return nil
}

func (s *netStream) Close() error {
	return classify("close", s.c.Close())
}

func (s *netStream) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *netStream) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *netStream) Secure() bool         { return s.secure }

// classify maps transport errors onto the engine taxonomy. io.EOF passes
// through untouched because the parser treats it as a framing signal.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &slimweb.Error{Op: op, Kind: slimweb.ErrTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &slimweb.Error{Op: op, Kind: slimweb.ErrTimeout, Err: err}
	}
	return slimweb.Wrap(slimweb.ErrIO, op, err)
}
