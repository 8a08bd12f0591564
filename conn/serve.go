package conn

import (
	"errors"
	"fmt"
	"io"
	"time"

	"slimweb"
	"slimweb/codec"
	"slimweb/deadline"
	"slimweb/wire"
)

// Handler produces the response to a request. The request body is only
// valid until Serve returns.
type Handler interface {
	Serve(req *slimweb.Request) (*slimweb.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *slimweb.Request) (*slimweb.Response, error)

func (f HandlerFunc) Serve(req *slimweb.Request) (*slimweb.Response, error) { return f(req) }

// ContinueChecker is implemented by handlers that inspect a request head
// carrying "Expect: 100-continue" before its body is transferred. A non-nil
// response rejects the request; it is sent as the final response and the
// connection is closed without reading the body.
type ContinueChecker interface {
	CheckContinue(req *slimweb.Request) *slimweb.Response
}

const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Serve runs exchanges until the connection must close, then closes it.
func (c *Conn) Serve(h Handler) error {
	defer c.Close()
	for {
		keep, err := c.ServeExchange(h)
		if err != nil || !keep {
			return err
		}
	}
}

// ServeExchange reads one request, dispatches it to h and writes the
// response. It reports whether the connection may serve another exchange;
// when it returns false the connection has been closed.
func (c *Conn) ServeExchange(h Handler) (keep bool, err error) {
	if c.State() == Closed {
		return false, nil
	}
	if c.retired.Load() {
		c.Close()
		return false, nil
	}

	// Wait for the first byte. Between exchanges the idle budget applies;
	// the first request is bounded by the header budget from accept.
	if c.exchanges.Load() == 0 {
		c.setState(ReadingRequestHead)
		c.clock.Begin(deadline.Header)
	} else {
		c.setState(Idle)
		c.clock.Begin(deadline.Idle)
	}
	if _, err := c.br.Peek(1); err != nil {
		if err != io.EOF && !errors.Is(err, slimweb.ErrTimeout) {
			c.log.Debug("connection lost while idle", "error", err)
		}
		c.Close()
		return false, nil
	}
	if c.exchanges.Load() > 0 {
		if !c.leaveIdle(ReadingRequestHead) {
			return false, nil
		}
		c.clock.Begin(deadline.Header)
	}

	start := time.Now()
	req, err := c.parser.ReadRequestHead()
	if err != nil {
		if err == io.EOF {
			c.Close()
			return false, nil
		}
		return false, c.abort(err, headStatus(err))
	}
	n := c.exchanges.Add(1)
	req.RemoteAddr = addrString(c.s)

	if err := req.ParseTarget(); err != nil {
		return false, c.abort(err, 400)
	}
	if req.Version.AtLeast(1, 1) && len(req.Header.Values("Host")) != 1 {
		return false, c.abort(slimweb.Errorf(slimweb.ErrMalformedMessage, "serve", "HTTP/1.1 request needs exactly one Host"), 400)
	}
	framing, err := wire.RequestFraming(req.Header, req.Version)
	if err != nil {
		return false, c.abort(err, 400)
	}
	if max := c.cfg.MaxBodyBytes; max > 0 && framing.Mode == wire.Fixed && framing.Length > max {
		return false, c.abort(slimweb.Errorf(slimweb.ErrTooLarge, "serve", "declared body of %d bytes exceeds %d", framing.Length, max), 413)
	}

	persistent := keepAlive(req.Version, req.Header) && !c.retired.Load()
	if c.cfg.MaxExchanges > 0 && n >= int64(c.cfg.MaxExchanges) {
		persistent = false
	}

	body := c.parser.Body(framing)
	body.SetLimit(c.cfg.MaxBodyBytes)
	defer body.Detach()
	req.Body = body
	switch framing.Mode {
	case wire.Fixed:
		req.ContentLength = framing.Length
	case wire.Chunked:
		req.ContentLength = -1
	}
	if c.cfg.Compression && framing.HasBody() && codec.IsGzip(req.Header) {
		req.Body = codec.Decompress(body)
		req.ContentLength = -1
		req.Header.Del("Content-Encoding")
		req.Header.Del("Content-Length")
	}
	if framing.Mode == wire.Chunked {
		req.Body = &requestBody{r: req.Body, body: body, req: req}
	}

	if req.Version.AtLeast(1, 1) && req.Header.Has("Expect") {
		if !req.ExpectsContinue() {
			resp := slimweb.Text(417, "unsupported expectation\n")
			return c.finish(req, resp, body, false, start)
		}
		if framing.HasBody() {
			c.setState(AwaitingContinueDecision)
			if cc, ok := h.(ContinueChecker); ok {
				if resp := c.checkContinue(cc, req); resp != nil {
					return c.finish(req, resp, body, false, start)
				}
			}
			c.clock.Begin(deadline.Write)
			if err := c.w.WriteContinue(); err != nil {
				return false, c.abort(err, 0)
			}
		}
	}

	// The handler pulls the body lazily while it runs.
	c.setState(ReadingRequestBody)
	c.clock.Begin(deadline.Body)
	c.setState(Dispatching)
	resp, herr := c.dispatch(h, req)
	if herr != nil {
		status := handlerStatus(herr, body)
		c.log.Error("handler failed", "method", req.Method, "path", req.Path, "error", herr)
		c.obs.Failure(herr)
		resp = slimweb.Text(status, slimweb.StatusText(status)+"\n")
	}

	if !body.Done() {
		if body.Err() != nil {
			persistent = false
		} else if err := body.Drain(c.cfg.DrainLimit); err != nil {
			c.log.Debug("request body not drained", "error", err)
			persistent = false
		}
	}
	return c.finish(req, resp, body, persistent, start)
}

// requestBody publishes the chunked trailer on the request once the body
// has been read to its end.
type requestBody struct {
	r    io.Reader
	body *wire.Body
	req  *slimweb.Request
}

func (b *requestBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF && b.body.Done() {
		b.req.Trailer = b.body.Trailer()
	}
	return n, err
}

func (c *Conn) checkContinue(cc ContinueChecker, req *slimweb.Request) (resp *slimweb.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("continue check panicked", "panic", r)
			resp = slimweb.Text(500, "Internal Server Error\n")
		}
	}()
	return cc.CheckContinue(req)
}

func (c *Conn) dispatch(h Handler, req *slimweb.Request) (resp *slimweb.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = &slimweb.Error{Op: "dispatch", Kind: slimweb.ErrHandlerFault, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	resp, err = h.Serve(req)
	if err == nil && resp == nil {
		err = slimweb.Errorf(slimweb.ErrHandlerFault, "dispatch", "handler returned no response")
	}
	return resp, err
}

// finish writes the final response and settles the connection's fate.
func (c *Conn) finish(req *slimweb.Request, resp *slimweb.Response, body *wire.Body, persistent bool, start time.Time) (bool, error) {
	defer resp.Close()

	if resp.Header.ContainsToken("Connection", "close") || c.retired.Load() {
		persistent = false
	}
	if !persistent {
		if !resp.Header.ContainsToken("Connection", "close") {
			_ = resp.Header.Set("Connection", "close")
		}
	} else if !req.Version.AtLeast(1, 1) {
		_ = resp.Header.Set("Connection", "keep-alive")
	}
	if !resp.Header.Has("Date") {
		_ = resp.Header.Set("Date", time.Now().UTC().Format(timeFormat))
	}
	if err := c.compress(req, resp); err != nil {
		c.log.Warn("compression disabled for response", "error", err)
	}

	c.setState(WritingResponse)
	c.clock.Begin(deadline.Write)
	sent := c.w.Sent()
	err := c.writeResponse(resp, wire.ResponseOptions{Method: req.Method, Peer: req.Version})
	if err != nil {
		if errors.Is(err, slimweb.ErrHandlerFault) && c.w.Sent() == sent {
			c.log.Error("response body failed before any byte was sent", "error", err)
			c.w.Reset()
			c.reject(500)
		} else {
			c.log.Warn("response aborted", "error", err, "kind", slimweb.KindName(err))
		}
		c.obs.Failure(err)
		c.Close()
		return false, err
	}
	c.obs.Exchange(req.Method, resp.StatusCode, time.Since(start))

	if !persistent {
		c.Close()
		return false, nil
	}
	c.setState(Idle)
	return true, nil
}

func (c *Conn) writeResponse(resp *slimweb.Response, opts wire.ResponseOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &slimweb.Error{Op: "write response", Kind: slimweb.ErrHandlerFault, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return c.w.WriteResponse(resp, opts)
}

// compress applies gzip when the response opted in, the engine allows it and
// the peer accepts it.
func (c *Conn) compress(req *slimweb.Request, resp *slimweb.Response) error {
	if !resp.Compress || !c.cfg.Compression || req.Method == slimweb.MethodHead ||
		!slimweb.BodyAllowed(resp.StatusCode) || resp.Header.Has("Content-Encoding") ||
		!codec.AcceptsGzip(req.Header) {
		return nil
	}
	level := c.cfg.CompressionLevel
	switch {
	case resp.Stream != nil:
		produce := resp.Stream
		resp.Stream = func(w io.Writer) error {
			zw, err := codec.CompressWriter(w, level)
			if err != nil {
				return err
			}
			if err := produce(zw); err != nil {
				return err
			}
			return zw.Close()
		}
	case resp.Body != nil:
		zr, err := codec.Compress(resp.Body, level)
		if err != nil {
			return err
		}
		resp.Body, resp.ContentLength = zr, -1
	default:
		return nil
	}
	resp.Header.Del("Content-Length")
	_ = resp.Header.Set("Content-Encoding", codec.Gzip)
	_ = resp.Header.Add("Vary", "Accept-Encoding")
	return nil
}

// abort handles a protocol failure: a best-effort error response when
// status is non-zero and nothing of a response has been sent, then close.
func (c *Conn) abort(err error, status int) error {
	c.obs.Failure(err)
	c.log.Warn("protocol error", "error", err, "kind", slimweb.KindName(err))
	if status != 0 {
		c.reject(status)
	}
	c.Close()
	return err
}

func (c *Conn) reject(status int) {
	resp := slimweb.Text(status, slimweb.StatusText(status)+"\n")
	_ = resp.Header.Set("Connection", "close")
	c.setState(WritingResponse)
	c.clock.Begin(deadline.Write)
	_ = c.w.WriteResponse(resp, wire.ResponseOptions{Method: slimweb.MethodGet, Peer: slimweb.HTTP11})
}

// headStatus maps a request head failure to a response status. Transport
// failures get none.
func headStatus(err error) int {
	switch slimweb.KindOf(err) {
	case slimweb.ErrTooLarge:
		return 431
	case slimweb.ErrTimeout:
		return 408
	case slimweb.ErrMalformedMessage, slimweb.ErrAmbiguousFraming:
		return 400
	}
	return 0
}

// handlerStatus maps a handler failure to a response status. Failures that
// came from reading the request body keep their protocol meaning.
func handlerStatus(err error, body *wire.Body) int {
	if berr := body.Err(); berr != nil {
		err = berr
	}
	switch slimweb.KindOf(err) {
	case slimweb.ErrTooLarge:
		return 413
	case slimweb.ErrTimeout:
		return 408
	case slimweb.ErrMalformedMessage, slimweb.ErrAmbiguousFraming,
		slimweb.ErrMalformedChunk, slimweb.ErrTruncatedBody:
		return 400
	}
	return 500
}
