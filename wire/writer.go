package wire

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"slimweb"
)

// Writer serializes messages onto a connection. Heads are validated field
// by field before anything is emitted, framing headers are computed from the
// body rather than trusted, and any write failure leaves the message
// unusable: the caller must close the connection.
type Writer struct {
	bw *bufio.Writer
	cw *countWriter

	// ChunkSize bounds the data carried by one chunk of a chunked body.
	ChunkSize int
}

// NewWriter returns a Writer emitting to w. A chunkSize <= 0 uses
// DefaultChunkSize.
func NewWriter(w io.Writer, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	cw := &countWriter{w: w}
	return &Writer{bw: bufio.NewWriter(cw), cw: cw, ChunkSize: chunkSize}
}

// Sent returns the number of bytes that reached the underlying writer.
// Buffered bytes are not counted.
func (w *Writer) Sent() int64 { return w.cw.n }

// Reset discards buffered bytes that have not been sent. It lets a caller
// replace a response that failed before anything reached the peer.
func (w *Writer) Reset() { w.bw.Reset(w.cw) }

// Flush sends buffered bytes.
func (w *Writer) Flush() error {
	return ioError("flush", w.bw.Flush())
}

// WriteContinue sends the interim "100 Continue" response.
func (w *Writer) WriteContinue() error {
	if _, err := w.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return ioError("write continue", err)
	}
	return w.Flush()
}

// WriteRequest writes a complete request and flushes it.
func (w *Writer) WriteRequest(req *slimweb.Request) error {
	f, err := w.WriteRequestHead(req)
	if err != nil {
		return err
	}
	return w.WriteBody(f, req.Body, nil, req.Trailer)
}

// WriteRequestHead buffers the request line and headers and returns the
// framing the body must follow. Nothing is flushed.
func (w *Writer) WriteRequestHead(req *slimweb.Request) (Framing, error) {
	const op = "write request"
	if !req.Method.Valid() {
		return Framing{}, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "invalid method %q", req.Method)
	}
	if err := validTarget(req.Target); err != nil {
		return Framing{}, err
	}
	length := req.ContentLength
	switch {
	case req.Body == nil:
		length = 0
	case length == 0:
		length = -1
	}
	p, err := plan(req.Header, length, false, req.Trailer, true)
	if err != nil {
		return Framing{}, err
	}
	if p.framing.Mode == NoBody && req.Body == nil && !bodyExpected(req.Method) {
		p.header.Del("Content-Length")
	}
	line := string(req.Method) + " " + req.Target + " HTTP/1.1"
	if err := w.writeHead(line, p.header); err != nil {
		return Framing{}, err
	}
	return p.framing, nil
}

// ResponseOptions describes the request a response answers.
type ResponseOptions struct {
	Method slimweb.Method
	// Peer is the version of the request. HTTP/1.0 peers cannot receive
	// chunked bodies, so bodies of unknown length are buffered for them.
	Peer slimweb.Version
}

// WriteResponse writes a complete response and flushes it.
func (w *Writer) WriteResponse(resp *slimweb.Response, opts ResponseOptions) error {
	const op = "write response"
	if !slimweb.ValidStatus(resp.StatusCode) {
		return slimweb.Errorf(slimweb.ErrMalformedMessage, op, "status code %d out of range", resp.StatusCode)
	}
	reason := resp.Reason
	if reason == "" {
		reason = slimweb.StatusText(resp.StatusCode)
	}
	for i := 0; i < len(reason); i++ {
		if c := reason[i]; (c < ' ' && c != '\t') || c == 0x7f {
			return slimweb.Errorf(slimweb.ErrMalformedMessage, op, "invalid byte %#x in reason phrase", c)
		}
	}

	body, stream := resp.Body, resp.Stream
	length := resp.ContentLength
	switch {
	case stream != nil:
		length = -1
	case body == nil:
		length = 0
	case length == 0:
		length = -1
	}
	chunkedOK := opts.Peer.AtLeast(1, 1)

	if !slimweb.BodyAllowed(resp.StatusCode) {
		h := resp.Header.Clone()
		h.Del("Transfer-Encoding")
		if resp.StatusCode != 304 {
			h.Del("Content-Length")
		}
		return w.headOnly(resp.StatusCode, reason, h)
	}

	p, err := plan(resp.Header, length, stream != nil, resp.Trailer, chunkedOK)
	if err != nil {
		return err
	}

	if p.buffer && opts.Method != slimweb.MethodHead {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		if stream != nil {
			err = stream(buf)
		} else if body != nil {
			_, err = io.Copy(buf, body)
		}
		if err != nil {
			return slimweb.Wrap(slimweb.ErrHandlerFault, "buffer body", err)
		}
		_ = p.header.Set("Content-Length", strconv.Itoa(buf.Len()))
		p.framing = Framing{Mode: Fixed, Length: int64(buf.Len())}
		body, stream = bytes.NewReader(buf.B), nil
	}

	if opts.Method == slimweb.MethodHead {
		if p.buffer {
			p.header.Del("Content-Length")
		}
		return w.headOnly(resp.StatusCode, reason, p.header)
	}

	line := "HTTP/1.1 " + strconv.Itoa(resp.StatusCode) + " " + reason
	if err := w.writeHead(line, p.header); err != nil {
		return err
	}
	return w.WriteBody(p.framing, body, stream, resp.Trailer)
}

func (w *Writer) headOnly(code int, reason string, h slimweb.Header) error {
	if err := w.writeHead("HTTP/1.1 "+strconv.Itoa(code)+" "+reason, h); err != nil {
		return err
	}
	return w.Flush()
}

// WriteBody writes a body in framing f and flushes. Exactly one of body and
// stream is used; stream, when set, is called with a sink whose writes are
// framed and flushed as they arrive.
func (w *Writer) WriteBody(f Framing, body io.Reader, stream func(io.Writer) error, trailer slimweb.Header) error {
	switch f.Mode {
	case NoBody:
	case Fixed:
		fw := &fixedWriter{w: w.bw, remain: f.Length}
		if err := produce(fw, body, stream, w.bw); err != nil {
			return err
		}
		if fw.remain > 0 {
			return slimweb.Errorf(slimweb.ErrHandlerFault, "write body", "body shorter than declared length by %d bytes", fw.remain)
		}
	case Chunked:
		cw := NewChunkWriter(w.bw, w.ChunkSize)
		if err := produce(cw, body, stream, w.bw); err != nil {
			return err
		}
		if err := cw.Close(trailer); err != nil {
			return err
		}
	default:
		return slimweb.Errorf(slimweb.ErrMalformedMessage, "write body", "cannot emit %s framing", f.Mode)
	}
	return w.Flush()
}

// produce copies the body into dst. Stream output is flushed after every
// write so lazily produced bytes are not held back.
func produce(dst io.Writer, body io.Reader, stream func(io.Writer) error, bw *bufio.Writer) error {
	if stream != nil {
		err := stream(&flushWriter{w: dst, bw: bw})
		return slimweb.Wrap(slimweb.ErrHandlerFault, "stream body", err)
	}
	if body == nil {
		return nil
	}
	buf := make([]byte, 32<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return slimweb.Wrap(slimweb.ErrHandlerFault, "read outgoing body", rerr)
		}
	}
}

func (w *Writer) writeHead(line string, h slimweb.Header) error {
	w.bw.WriteString(line)
	w.bw.WriteString("\r\n")
	for _, f := range h.Fields() {
		if err := slimweb.ValidField(f.Name, f.Value); err != nil {
			return err
		}
		w.bw.WriteString(f.Name)
		w.bw.WriteString(": ")
		w.bw.WriteString(f.Value)
		w.bw.WriteString("\r\n")
	}
	_, err := w.bw.WriteString("\r\n")
	return ioError("write head", err)
}

type outgoing struct {
	framing Framing
	header  slimweb.Header
	buffer  bool // length unknown and peer cannot take chunked
}

// plan derives the framing of an outgoing body and the header to emit.
// Caller-supplied framing headers are checked against the body: a
// Content-Length that contradicts a known length, or one paired with
// Transfer-Encoding, is ambiguous.
func plan(h slimweb.Header, length int64, streamed bool, trailer slimweb.Header, chunkedOK bool) (outgoing, error) {
	const op = "plan framing"
	te, cl := h.Values("Transfer-Encoding"), h.Values("Content-Length")
	if len(te) > 0 && len(cl) > 0 {
		return outgoing{}, slimweb.Errorf(slimweb.ErrAmbiguousFraming, op, "both Content-Length and Transfer-Encoding set")
	}
	wantChunked := false
	if len(te) > 0 {
		if err := checkChunkedOnly(te); err != nil {
			return outgoing{}, err
		}
		wantChunked = true
	}
	if len(cl) > 0 {
		n, err := ParseContentLength(cl)
		if err != nil {
			return outgoing{}, err
		}
		if length >= 0 && !streamed && n != length {
			return outgoing{}, slimweb.Errorf(slimweb.ErrAmbiguousFraming, op, "Content-Length %d does not match body of %d bytes", n, length)
		}
		length = n
	}
	if trailer.Len() > 0 && chunkedOK {
		wantChunked = true
	}

	out := h.Clone()
	out.Del("Content-Length")
	out.Del("Transfer-Encoding")
	switch {
	case (wantChunked || length < 0) && chunkedOK:
		_ = out.Add("Transfer-Encoding", "chunked")
		return outgoing{framing: Framing{Mode: Chunked}, header: out}, nil
	case length < 0:
		return outgoing{framing: Framing{Mode: Fixed}, header: out, buffer: true}, nil
	}
	_ = out.Add("Content-Length", strconv.FormatInt(length, 10))
	if length == 0 {
		return outgoing{framing: Framing{Mode: NoBody}, header: out}, nil
	}
	return outgoing{framing: Framing{Mode: Fixed, Length: length}, header: out}, nil
}

func bodyExpected(m slimweb.Method) bool {
	return m == slimweb.MethodPost || m == slimweb.MethodPut || m == slimweb.MethodPatch
}

func validTarget(t string) error {
	if t == "" {
		return slimweb.Errorf(slimweb.ErrMalformedMessage, "write request", "empty request-target")
	}
	for i := 0; i < len(t); i++ {
		if c := t[i]; c <= ' ' || c == 0x7f {
			return slimweb.Errorf(slimweb.ErrMalformedMessage, "write request", "invalid byte %#x in request-target", c)
		}
	}
	return nil
}

func ioError(op string, err error) error {
	return slimweb.Wrap(slimweb.ErrIO, op, err)
}

// ChunkWriter frames writes as chunks of at most a fixed size.
type ChunkWriter struct {
	w    io.Writer
	size int
	hex  []byte
}

// NewChunkWriter returns a ChunkWriter over w. A size <= 0 uses
// DefaultChunkSize.
func NewChunkWriter(w io.Writer, size int) *ChunkWriter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkWriter{w: w, size: size, hex: make([]byte, 0, 18)}
}

func (c *ChunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), c.size)
		c.hex = strconv.AppendInt(c.hex[:0], int64(n), 16)
		c.hex = append(c.hex, '\r', '\n')
		if _, err := c.w.Write(c.hex); err != nil {
			return written, ioError("write chunk", err)
		}
		if _, err := c.w.Write(p[:n]); err != nil {
			return written, ioError("write chunk", err)
		}
		if _, err := io.WriteString(c.w, "\r\n"); err != nil {
			return written, ioError("write chunk", err)
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close writes the last chunk and the trailer section.
func (c *ChunkWriter) Close(trailer slimweb.Header) error {
	var b bytes.Buffer
	b.WriteString("0\r\n")
	for _, f := range trailer.Fields() {
		if err := slimweb.ValidField(f.Name, f.Value); err != nil {
			return err
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	_, err := c.w.Write(b.Bytes())
	return ioError("write last chunk", err)
}

type fixedWriter struct {
	w      io.Writer
	remain int64
}

func (f *fixedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > f.remain {
		return 0, slimweb.Errorf(slimweb.ErrHandlerFault, "write body", "body longer than declared length")
	}
	n, err := f.w.Write(p)
	f.remain -= int64(n)
	return n, ioError("write body", err)
}

type flushWriter struct {
	w  io.Writer
	bw *bufio.Writer
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, ioError("flush", f.bw.Flush())
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
