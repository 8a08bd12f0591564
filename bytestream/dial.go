package bytestream

import (
	"context"
	"net"
	"time"

	"slimweb"
)

// Dialer opens client streams. A nil TLS provider makes secure dials fail.
type Dialer struct {
	TLS       *TLSProvider
	KeepAlive time.Duration
}

// Dial connects to addr and, when secure is set, completes a TLS handshake
// for serverName. Connect and handshake together must finish before deadline.
func (d *Dialer) Dial(ctx context.Context, addr string, secure bool, serverName string, deadline time.Time) (Stream, error) {
	if secure && d.TLS == nil {
		return nil, slimweb.Errorf(slimweb.ErrIO, "dial", "https requested but no TLS provider configured")
	}
	nd := net.Dialer{Deadline: deadline, KeepAlive: d.KeepAlive}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify("dial", err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if !secure {
		return Plain(c), nil
	}
	return d.TLS.Client(c, serverName, deadline)
}
