package slimweb

import (
	"io"
	"net/url"
	"strings"
)

// TargetForm is the shape of a request-target.
type TargetForm int

const (
	OriginForm    TargetForm = iota // /path?query
	AbsoluteForm                    // http://host/path?query
	AuthorityForm                   // host:port, CONNECT only
	AsteriskForm                    // *, OPTIONS only
)

// Request is an HTTP/1.x request.
//
// Body is a single-pass stream. On incoming requests it is owned by the
// connection and becomes invalid once the exchange ends. ContentLength is
// -1 when the length is not known in advance. An outgoing request with a
// non-nil Body and a ContentLength of 0 is also treated as unknown length;
// leave Body nil for an empty body.
type Request struct {
	Method  Method
	Target  string
	Version Version
	Header  Header

	Body          io.Reader
	ContentLength int64

	// Trailer holds chunked trailer fields of an incoming body once the body
	// has been read to the end.
	Trailer Header

	// Compress asks the client to gzip the outgoing body.
	Compress bool

	// Set by ParseTarget on incoming requests.
	Form     TargetForm
	Path     string
	RawQuery string
	Host     string

	// URL is the destination of an outgoing client request.
	URL *url.URL

	// RemoteAddr is the peer address of an incoming request.
	RemoteAddr string
}

// NewRequest returns an HTTP/1.1 request with no body.
func NewRequest(method Method, target string) *Request {
	return &Request{Method: method, Target: target, Version: HTTP11}
}

// SetBody attaches an in-memory body with a known length.
func (r *Request) SetBody(b []byte) {
	r.Body, r.ContentLength = bodyOf(b)
}

// SetStringBody attaches a string body with a known length.
func (r *Request) SetStringBody(s string) {
	r.Body, r.ContentLength = stringBody(s)
}

// SetStream attaches a body of unknown length. It is sent chunked to
// HTTP/1.1 peers.
func (r *Request) SetStream(body io.Reader) {
	r.Body, r.ContentLength = body, -1
}

// ExpectsContinue reports whether the request asks for a 100 Continue
// before its body is sent.
func (r *Request) ExpectsContinue() bool {
	return r.Version.AtLeast(1, 1) && r.Header.ContainsToken("Expect", "100-continue")
}

// Query parses RawQuery.
func (r *Request) Query() url.Values {
	v, _ := url.ParseQuery(r.RawQuery)
	return v
}

// ParseTarget classifies Target and fills Form, Path, RawQuery and Host.
func (r *Request) ParseTarget() error {
	t := r.Target
	if t == "" {
		return Errorf(ErrMalformedMessage, "parse target", "empty request-target")
	}
	for i := 0; i < len(t); i++ {
		if c := t[i]; c <= ' ' || c == 0x7f {
			return Errorf(ErrMalformedMessage, "parse target", "invalid byte %#x in request-target", c)
		}
	}
	r.Host = r.Header.Get("Host")
	switch {
	case t == "*":
		if r.Method != MethodOptions {
			return Errorf(ErrMalformedMessage, "parse target", "asterisk-form is only valid for OPTIONS")
		}
		r.Form = AsteriskForm
		r.Path = ""
		return nil
	case r.Method == MethodConnect:
		if strings.Contains(t, "/") {
			return Errorf(ErrMalformedMessage, "parse target", "CONNECT requires authority-form")
		}
		u, err := url.Parse("//" + t)
		if err != nil || u.Host == "" || u.Port() == "" || u.User != nil {
			return Errorf(ErrMalformedMessage, "parse target", "invalid authority %q", t)
		}
		r.Form = AuthorityForm
		r.Host = u.Host
		return nil
	case t[0] == '/':
		path, query, _ := strings.Cut(t, "?")
		r.Form = OriginForm
		r.Path = path
		r.RawQuery = query
		return nil
	}
	u, err := url.ParseRequestURI(t)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Errorf(ErrMalformedMessage, "parse target", "invalid absolute-form %q", t)
	}
	r.Form = AbsoluteForm
	r.Path = u.EscapedPath()
	if r.Path == "" {
		r.Path = "/"
	}
	r.RawQuery = u.RawQuery
	r.Host = u.Host
	return nil
}
