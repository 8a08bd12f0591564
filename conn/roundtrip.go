package conn

import (
	"errors"
	"io"
	"time"

	"slimweb"
	"slimweb/codec"
	"slimweb/deadline"
	"slimweb/wire"
)

// OnIdle registers fn to be called when a response body has been read to
// its end and the connection can carry another request. Connections that
// cannot be reused close themselves instead.
func (c *Conn) OnIdle(fn func(*Conn)) { c.onIdle = fn }

// SetBudget replaces the phase budgets for the next exchange. It must not
// be called while an exchange is in progress.
func (c *Conn) SetBudget(b deadline.Budget) {
	c.cfg.Budget = b
	c.clock.SetBudget(b)
}

// RoundTrip writes req and reads the response head. ceiling bounds the whole
// exchange including the body read; the zero time leaves only the phase
// budgets. The returned body streams from the connection and must be read
// to the end or closed; closing it early closes the connection.
func (c *Conn) RoundTrip(req *slimweb.Request, ceiling time.Time) (*slimweb.Response, error) {
	if !c.leaveIdle(WritingRequest) {
		return nil, slimweb.Errorf(slimweb.ErrIO, "round trip", "connection is %s", c.State())
	}
	c.exchanges.Add(1)
	start := time.Now()
	c.clock.SetCeiling(ceiling)
	c.clock.Begin(deadline.Write)

	framing, err := c.w.WriteRequestHead(req)
	if err != nil {
		return nil, c.fatal(err)
	}

	bodySent := !framing.HasBody()
	var early *slimweb.Response
	if !bodySent && req.ExpectsContinue() && c.cfg.Budget.Continue > 0 {
		if err := c.w.Flush(); err != nil {
			return nil, c.fatal(err)
		}
		c.setState(AwaitingContinueDecision)
		c.clock.Begin(deadline.Continue)
		_, perr := c.br.Peek(1)
		switch {
		case perr == nil:
			c.clock.Begin(deadline.Header)
			resp, err := c.readInterim()
			if err != nil {
				return nil, c.fatal(err)
			}
			early = resp
		case errors.Is(perr, slimweb.ErrTimeout) && (ceiling.IsZero() || time.Now().Before(ceiling)):
			// No answer within the continue wait; send the body anyway.
		default:
			return nil, c.fatal(perr)
		}
	}

	if early == nil {
		c.setState(WritingRequest)
		c.clock.Begin(deadline.Write)
		if err := c.w.WriteBody(framing, req.Body, nil, req.Trailer); err != nil {
			return nil, c.fatal(err)
		}
		bodySent = true
	} else if err := c.w.Flush(); err != nil {
		return nil, c.fatal(err)
	}

	resp := early
	if resp == nil {
		c.setState(AwaitingResponse)
		c.clock.Begin(deadline.Header)
		resp, err = c.readFinal()
		if err != nil {
			return nil, c.fatal(err)
		}
	}

	f, err := wire.ResponseFraming(req.Method, resp.StatusCode, resp.Header, resp.Version)
	if err != nil {
		return nil, c.fatal(err)
	}
	reusable := bodySent && keepAlive(resp.Version, resp.Header) &&
		f.Mode != wire.UntilClose && resp.StatusCode != 101 && !c.retired.Load()

	body := c.parser.Body(f)
	resp.ContentLength = 0
	switch f.Mode {
	case wire.Fixed:
		resp.ContentLength = f.Length
	case wire.Chunked, wire.UntilClose:
		resp.ContentLength = -1
	}
	rb := &responseBody{c: c, body: body, src: body, resp: resp, method: req.Method, reusable: reusable, start: start}
	if c.cfg.Compression && f.HasBody() && codec.IsGzip(resp.Header) {
		rb.src = codec.Decompress(body)
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	resp.Body = rb

	c.clock.Begin(deadline.Body)
	if !f.HasBody() {
		rb.finish(true, io.EOF)
	}
	return resp, nil
}

// readInterim reads what the server sent during the continue wait. It
// returns nil after a 100 Continue and the final response otherwise.
func (c *Conn) readInterim() (*slimweb.Response, error) {
	for {
		resp, err := c.parser.ReadResponseHead()
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == 100:
			return nil, nil
		case resp.StatusCode == 101 || resp.StatusCode >= 200:
			return resp, nil
		}
	}
}

// readFinal reads response heads until a final one, skipping interim
// responses other than 101.
func (c *Conn) readFinal() (*slimweb.Response, error) {
	for {
		resp, err := c.parser.ReadResponseHead()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == 101 {
			return resp, nil
		}
	}
}

func (c *Conn) fatal(err error) error {
	c.obs.Failure(err)
	c.Close()
	return err
}

// responseBody ties a client response body to its connection.
type responseBody struct {
	c        *Conn
	body     *wire.Body
	src      io.Reader
	resp     *slimweb.Response
	method   slimweb.Method
	start    time.Time
	reusable bool
	done     bool
	err      error
}

func (r *responseBody) Read(p []byte) (int, error) {
	if r.done {
		return 0, r.err
	}
	n, err := r.src.Read(p)
	switch {
	case err == io.EOF:
		if !r.body.Done() {
			// The decoder ended before the framing did.
			if derr := r.body.Drain(0); derr != nil {
				r.reusable = false
			}
		}
		r.finish(r.body.Done(), io.EOF)
	case err != nil:
		r.finish(false, err)
	}
	return n, err
}

func (r *responseBody) Close() error {
	r.finish(false, slimweb.ErrBodyConsumed)
	return nil
}

// finish settles the connection once the body is done with. Only a body read
// cleanly to its end hands the connection back for reuse.
func (r *responseBody) finish(clean bool, err error) {
	if r.done {
		return
	}
	r.done, r.err = true, err
	r.resp.Trailer = r.body.Trailer()
	r.body.Detach()
	c := r.c
	if !clean || !r.reusable {
		c.Close()
		return
	}
	c.obs.Exchange(r.method, r.resp.StatusCode, time.Since(r.start))
	c.setState(Idle)
	if c.onIdle != nil {
		c.onIdle(c)
	}
}
