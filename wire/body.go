package wire

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"slimweb"
)

// Body is a single-pass cursor over an incoming message body. It reads
// directly from the connection, so nothing beyond the current read is
// buffered. Once it reaches the end it keeps returning io.EOF; once
// detached it returns slimweb.ErrBodyConsumed.
type Body struct {
	p       *Parser
	framing Framing

	remain  int64 // Fixed: bytes left; Chunked: bytes left in current chunk
	inChunk bool
	read    int64
	limit   int64

	trailer  slimweb.Header
	err      error
	detached bool
}

// Body returns a cursor over the body that follows the head just parsed.
func (p *Parser) Body(f Framing) *Body {
	b := &Body{p: p, framing: f}
	switch f.Mode {
	case Fixed:
		b.remain = f.Length
		if f.Length == 0 {
			b.err = io.EOF
		}
	case NoBody:
		b.err = io.EOF
	}
	return b
}

// Framing returns the framing the cursor was created with.
func (b *Body) Framing() Framing { return b.framing }

// SetLimit makes reads fail with slimweb.ErrTooLarge once more than n body
// bytes have been produced. n <= 0 removes the limit.
func (b *Body) SetLimit(n int64) { b.limit = n }

// Consumed returns the number of body bytes returned so far.
func (b *Body) Consumed() int64 { return b.read }

// Done reports whether the body was read to its end without error.
func (b *Body) Done() bool { return b.err == io.EOF }

// Err returns the error that stopped the cursor, or nil while it is still
// readable or after a clean end.
func (b *Body) Err() error {
	if b.err == io.EOF {
		return nil
	}
	return b.err
}

// Trailer returns the chunked trailer fields. It is empty until the body
// has been read to the end.
func (b *Body) Trailer() slimweb.Header { return b.trailer }

// Detach invalidates the cursor. Later reads fail with ErrBodyConsumed.
func (b *Body) Detach() { b.detached = true }

func (b *Body) Read(p []byte) (int, error) {
	if b.detached {
		return 0, slimweb.ErrBodyConsumed
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var err error
	switch b.framing.Mode {
	case Fixed:
		n, err = b.readFixed(p)
	case Chunked:
		n, err = b.readChunked(p)
	case UntilClose:
		n, err = b.p.br.Read(p)
		if err != nil && err != io.EOF {
			err = slimweb.Wrap(slimweb.ErrIO, "read body", err)
		}
	default:
		err = io.EOF
	}
	b.read += int64(n)
	if b.limit > 0 && b.read > b.limit {
		over := b.read - b.limit
		n -= int(over)
		b.read = b.limit
		err = slimweb.Errorf(slimweb.ErrTooLarge, "read body", "body exceeds %d bytes", b.limit)
	}
	if err != nil {
		b.err = err
	}
	return n, err
}

// Drain reads and discards the rest of the body, at most max bytes. It
// returns nil only if the end was reached, leaving the stream positioned at
// the next message.
func (b *Body) Drain(max int64) error {
	if b.err == io.EOF {
		return nil
	}
	if b.err != nil {
		return b.err
	}
	if b.framing.Mode == Fixed && max >= 0 && b.remain > max {
		return slimweb.Errorf(slimweb.ErrTooLarge, "drain body", "%d unread bytes exceed drain limit", b.remain)
	}
	var r io.Reader = b
	if max >= 0 {
		r = io.LimitReader(b, max)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	if b.err == io.EOF {
		return nil
	}
	if b.err != nil {
		return b.err
	}
	// The limit ran out first. Probe for an immediate end, which is common
	// for chunked bodies whose last data chunk was exactly consumed.
	var one [1]byte
	if n, err := b.Read(one[:]); n == 0 && err == io.EOF {
		return nil
	}
	return slimweb.Errorf(slimweb.ErrTooLarge, "drain body", "unread body exceeds drain limit of %d bytes", max)
}

func (b *Body) readFixed(p []byte) (int, error) {
	if int64(len(p)) > b.remain {
		p = p[:b.remain]
	}
	n, err := b.p.br.Read(p)
	b.remain -= int64(n)
	if b.remain == 0 {
		return n, io.EOF
	}
	if err == io.EOF {
		return n, slimweb.Errorf(slimweb.ErrTruncatedBody, "read body", "connection closed with %d of %d bytes missing", b.remain, b.framing.Length)
	}
	if err != nil {
		return n, slimweb.Wrap(slimweb.ErrIO, "read body", err)
	}
	return n, nil
}

func (b *Body) readChunked(p []byte) (int, error) {
	if !b.inChunk {
		size, err := b.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := b.readTrailer(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		b.remain = size
		b.inChunk = true
	}
	if int64(len(p)) > b.remain {
		p = p[:b.remain]
	}
	n, err := b.p.br.Read(p)
	b.remain -= int64(n)
	if err == io.EOF {
		return n, slimweb.Errorf(slimweb.ErrTruncatedBody, "read chunk", "connection closed inside chunk data")
	}
	if err != nil {
		return n, slimweb.Wrap(slimweb.ErrIO, "read chunk", err)
	}
	if b.remain == 0 {
		b.inChunk = false
		if err := b.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// readChunkSize parses "<hex>[;ext]". Extensions are ignored but count
// towards the line limit.
func (b *Body) readChunkSize() (int64, error) {
	const op = "read chunk size"
	line, err := b.p.readLine(b.p.limits.MaxLineBytes)
	if err != nil {
		return 0, chunkLineError(op, err)
	}
	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, " \t")
	if s == "" || len(s) > 16 {
		return 0, slimweb.Errorf(slimweb.ErrMalformedChunk, op, "invalid chunk size %q", truncate(line))
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return 0, slimweb.Errorf(slimweb.ErrMalformedChunk, op, "invalid chunk size %q", truncate(line))
		}
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil || n > uint64(b.p.limits.MaxChunkSize) {
		return 0, slimweb.Errorf(slimweb.ErrMalformedChunk, op, "chunk size %s exceeds limit of %d", s, b.p.limits.MaxChunkSize)
	}
	return int64(n), nil
}

func (b *Body) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(b.p.br, crlf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return slimweb.Errorf(slimweb.ErrTruncatedBody, "read chunk", "connection closed after chunk data")
		}
		return slimweb.Wrap(slimweb.ErrIO, "read chunk", err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return slimweb.Errorf(slimweb.ErrMalformedChunk, "read chunk", "chunk data not followed by CRLF")
	}
	return nil
}

// readTrailer reads the trailer section after the last chunk. Fields that
// would change framing are not allowed there.
func (b *Body) readTrailer() error {
	const op = "read trailer"
	saved := b.p.used
	b.p.used = 0
	h, err := b.p.readFields(op, b.p.limits.MaxHeaderBytes, slimweb.ErrTooLarge)
	b.p.used = saved
	if err != nil {
		if errors.Is(err, errUnexpectedEOF) {
			return slimweb.Errorf(slimweb.ErrTruncatedBody, op, "connection closed inside trailer")
		}
		return err
	}
	for _, name := range []string{"Content-Length", "Transfer-Encoding", "Trailer", "Host"} {
		if h.Has(name) {
			return slimweb.Errorf(slimweb.ErrMalformedChunk, op, "%s not allowed in trailer", name)
		}
	}
	b.trailer = h
	return nil
}

func chunkLineError(op string, err error) error {
	switch {
	case errors.Is(err, errLineTooLong):
		return slimweb.Errorf(slimweb.ErrMalformedChunk, op, "chunk size line too long")
	case err == io.EOF || errors.Is(err, errUnexpectedEOF):
		return slimweb.Errorf(slimweb.ErrTruncatedBody, op, "connection closed before last chunk")
	case errors.Is(err, slimweb.ErrMalformedMessage):
		return slimweb.Errorf(slimweb.ErrMalformedChunk, op, "%v", err)
	}
	return err
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
