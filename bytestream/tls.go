package bytestream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"slimweb"
)

// TLSOptions describes how to build a TLSProvider. Nothing is read from
// process-wide state except the system root pool, and only when CAFile is
// empty and UseSystemRoots is set.
type TLSOptions struct {
	// CAFile is a PEM bundle of trusted roots for client connections.
	CAFile         string
	UseSystemRoots bool

	// CertFile and KeyFile hold the server certificate chain and key.
	CertFile string
	KeyFile  string

	MinVersion         uint16
	InsecureSkipVerify bool
}

// TLSProvider wraps sockets in TLS using one explicitly constructed
// configuration. It is safe for concurrent use.
type TLSProvider struct {
	cfg *tls.Config
}

// NewTLSProvider loads certificates and roots once.
func NewTLSProvider(opts TLSOptions) (*TLSProvider, error) {
	cfg := &tls.Config{
		MinVersion:         opts.MinVersion,
		NextProtos:         []string{"http/1.1"},
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for local testing
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	switch {
	case opts.CAFile != "":
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tls: read ca file %s: %w", opts.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls: no certificates in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	case opts.UseSystemRoots:
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("tls: system roots: %w", err)
		}
		cfg.RootCAs = pool
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return &TLSProvider{cfg: cfg}, nil
}

// NewTLSProviderFromConfig adopts an existing configuration. The provider
// keeps its own clone.
func NewTLSProviderFromConfig(cfg *tls.Config) *TLSProvider {
	return &TLSProvider{cfg: cfg.Clone()}
}

// CanServe reports whether the provider holds a server certificate.
func (p *TLSProvider) CanServe() bool {
	return len(p.cfg.Certificates) > 0 || p.cfg.GetCertificate != nil
}

// Client performs a client handshake over c. The handshake must finish
// before deadline.
func (p *TLSProvider) Client(c net.Conn, serverName string, deadline time.Time) (Stream, error) {
	cfg := p.cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return handshake(tls.Client(c, cfg), deadline)
}

// Server performs a server handshake over c. The handshake must finish
// before deadline.
func (p *TLSProvider) Server(c net.Conn, deadline time.Time) (Stream, error) {
	if !p.CanServe() {
		return nil, errors.New("tls: provider has no server certificate")
	}
	return handshake(tls.Server(c, p.cfg), deadline)
}

func handshake(tc *tls.Conn, deadline time.Time) (Stream, error) {
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &slimweb.Error{Op: "tls handshake", Kind: slimweb.ErrTimeout, Err: err}
		}
		return nil, classify("tls handshake", err)
	}
	return &netStream{c: tc, secure: true}, nil
}
