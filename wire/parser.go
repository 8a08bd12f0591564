// Package wire reads and writes HTTP/1.x messages: start lines, header
// sections, and bodies in fixed-length, chunked or read-until-close
// framing.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"slimweb"
)

// maxLeadingEmptyLines is how many stray CRLFs are tolerated before a
// request line, as left behind by some clients after a body.
const maxLeadingEmptyLines = 4

var (
	errLineTooLong   = errors.New("line too long")
	errUnexpectedEOF = errors.New("unexpected EOF")
)

// Parser reads message heads and bodies from a buffered source. A Parser is
// bound to one connection and is not safe for concurrent use.
type Parser struct {
	br     *bufio.Reader
	limits Limits
	used   int // head bytes consumed by the current head
}

// NewParser returns a parser reading from br.
func NewParser(br *bufio.Reader, limits Limits) *Parser {
	return &Parser{br: br, limits: limits.withDefaults()}
}

// Limits returns the effective limits.
func (p *Parser) Limits() Limits { return p.limits }

// HeadBytes reports how many bytes of the current head have been consumed.
func (p *Parser) HeadBytes() int { return p.used }

// ReadRequestHead parses a request line and header section. It returns
// io.EOF when the peer closed the connection before sending anything.
func (p *Parser) ReadRequestHead() (*slimweb.Request, error) {
	const op = "parse request line"
	p.used = 0

	var line []byte
	for i := 0; ; i++ {
		l, err := p.readLine(p.limits.MaxLineBytes)
		if err != nil {
			if err == io.EOF && p.used == 0 {
				return nil, io.EOF
			}
			return nil, startLineError(op, err)
		}
		p.used += len(l) + 2
		if len(l) > 0 {
			line = l
			break
		}
		if i == maxLeadingEmptyLines {
			return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "too many empty lines before request line")
		}
	}

	method, rest, ok1 := strings.Cut(string(line), " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.ContainsAny(target, " \t") {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "malformed request line %q", truncate(line))
	}
	m := slimweb.Method(method)
	if !m.Valid() {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "invalid method %q", truncate([]byte(method)))
	}
	v, err := slimweb.ParseVersion(proto)
	if err != nil {
		return nil, err
	}

	h, err := p.ReadHeaders()
	if err != nil {
		return nil, err
	}
	return &slimweb.Request{
		Method:        m,
		Target:        target,
		Version:       v,
		Header:        h,
		ContentLength: 0,
	}, nil
}

// ReadResponseHead parses a status line and header section.
func (p *Parser) ReadResponseHead() (*slimweb.Response, error) {
	const op = "parse status line"
	p.used = 0

	line, err := p.readLine(p.limits.MaxLineBytes)
	if err != nil {
		if err == io.EOF {
			return nil, slimweb.Wrap(slimweb.ErrIO, op, io.ErrUnexpectedEOF)
		}
		return nil, startLineError(op, err)
	}
	p.used += len(line) + 2

	proto, rest, _ := strings.Cut(string(line), " ")
	code, reason, _ := strings.Cut(rest, " ")
	v, err := slimweb.ParseVersion(proto)
	if err != nil {
		return nil, err
	}
	if len(code) != 3 || !isDigits(code) {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "invalid status code %q", truncate([]byte(code)))
	}
	status, _ := strconv.Atoi(code)
	if !slimweb.ValidStatus(status) {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "status code %d out of range", status)
	}
	for i := 0; i < len(reason); i++ {
		if c := reason[i]; (c < ' ' && c != '\t') || c == 0x7f {
			return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "invalid byte %#x in reason phrase", c)
		}
	}

	h, err := p.ReadHeaders()
	if err != nil {
		return nil, err
	}
	return &slimweb.Response{
		Version:    v,
		StatusCode: status,
		Reason:     reason,
		Header:     h,
	}, nil
}

// ReadHeaders reads header lines up to and including the empty line. The
// bytes count against MaxHeaderBytes together with the start line already
// consumed for this head.
func (p *Parser) ReadHeaders() (slimweb.Header, error) {
	return p.readFields("parse headers", p.limits.MaxHeaderBytes-p.used, slimweb.ErrTooLarge)
}

// readFields parses field lines against a byte budget. Limit violations
// surface as tooLarge.
func (p *Parser) readFields(op string, budget int, tooLarge error) (slimweb.Header, error) {
	var h slimweb.Header
	for {
		max := p.limits.MaxLineBytes
		if budget-2 < max {
			max = budget - 2
		}
		if max < 0 {
			return h, slimweb.Errorf(tooLarge, op, "header section exceeds %d bytes", p.limits.MaxHeaderBytes)
		}
		line, err := p.readLine(max)
		switch {
		case errors.Is(err, errLineTooLong):
			return h, slimweb.Errorf(tooLarge, op, "header line or section exceeds limit")
		case err == io.EOF || errors.Is(err, errUnexpectedEOF):
			return h, &slimweb.Error{Op: op, Kind: slimweb.ErrMalformedMessage, Err: errUnexpectedEOF}
		case err != nil:
			return h, err
		}
		budget -= len(line) + 2
		p.used += len(line) + 2
		if len(line) == 0 {
			return h, nil
		}
		if h.Len() >= p.limits.MaxHeaderCount {
			return h, slimweb.Errorf(tooLarge, op, "more than %d header fields", p.limits.MaxHeaderCount)
		}
		if line[0] == ' ' || line[0] == '\t' {
			return h, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "obsolete line folding")
		}
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return h, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "header line without name")
		}
		name := string(line[:i])
		value := string(bytes.Trim(line[i+1:], " \t"))
		if err := h.Add(name, value); err != nil {
			return h, err
		}
	}
}

// readLine returns the next CRLF-terminated line without its terminator.
// A bare LF or a CR inside the line is malformed. Lines longer than max
// fail with errLineTooLong once that many bytes have been seen, so a peer
// cannot make the parser buffer an unbounded line. io.EOF is returned only
// when nothing of the line was read.
func (p *Parser) readLine(max int) ([]byte, error) {
	var line []byte
	for {
		frag, err := p.br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > max+2 {
			return nil, errLineTooLong
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, errUnexpectedEOF
		}
		return nil, slimweb.Wrap(slimweb.ErrIO, "read line", err)
	}
	n := len(line)
	if n < 2 || line[n-2] != '\r' {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, "read line", "line not terminated by CRLF")
	}
	line = line[:n-2]
	if bytes.IndexByte(line, '\r') >= 0 {
		return nil, slimweb.Errorf(slimweb.ErrMalformedMessage, "read line", "bare CR in line")
	}
	return line, nil
}

func startLineError(op string, err error) error {
	switch {
	case errors.Is(err, errLineTooLong):
		return slimweb.Errorf(slimweb.ErrMalformedMessage, op, "no CRLF within line limit")
	case err == io.EOF || errors.Is(err, errUnexpectedEOF):
		return slimweb.Errorf(slimweb.ErrMalformedMessage, op, "connection closed inside start line")
	}
	return err
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
