package slimweb

import (
	"fmt"
	"io"
)

// Response is an HTTP/1.x response.
//
// A handler either sets Body (ContentLength -1 or 0 when unknown) or Stream,
// which is called with the body sink after the head has been written.
// Incoming client responses always have a non-nil Body that must be read
// to the end or closed.
type Response struct {
	Version    Version
	StatusCode int
	Reason     string
	Header     Header

	Body          io.Reader
	ContentLength int64
	Trailer       Header

	// Stream produces the body lazily. Bytes written to w are framed and
	// sent as they arrive. An error or panic after the first byte aborts the
	// connection.
	Stream func(w io.Writer) error

	// Compress asks the server to gzip the body when the peer accepts it.
	Compress bool

	// Uncompressed is set on client responses whose gzip body was decoded
	// transparently. Content-Encoding and Content-Length were removed.
	Uncompressed bool
}

// NewResponse returns an HTTP/1.1 response with the standard reason phrase.
// Codes outside 100–599 are rejected.
func NewResponse(code int) (*Response, error) {
	if !ValidStatus(code) {
		return nil, Errorf(ErrMalformedMessage, "new response", "status code %d out of range", code)
	}
	return &Response{Version: HTTP11, StatusCode: code, Reason: StatusText(code)}, nil
}

// Status returns a response for a well-known code and panics on an invalid
// one. It is meant for constant codes.
func Status(code int) *Response {
	r, err := NewResponse(code)
	if err != nil {
		panic(err)
	}
	return r
}

// Text returns a text/plain response.
func Text(code int, body string) *Response {
	r := Status(code)
	_ = r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	r.SetStringBody(body)
	return r
}

// SetBody attaches an in-memory body with a known length.
func (r *Response) SetBody(b []byte) {
	r.Body, r.ContentLength = bodyOf(b)
}

// SetStringBody attaches a string body with a known length.
func (r *Response) SetStringBody(s string) {
	r.Body, r.ContentLength = stringBody(s)
}

// StatusLine renders "HTTP/1.1 200 OK".
func (r *Response) StatusLine() string {
	return fmt.Sprintf("%s %03d %s", r.Version, r.StatusCode, r.Reason)
}

// Close releases the body of an incoming response. Closing before the body
// has been read to the end closes the underlying connection.
func (r *Response) Close() error {
	if c, ok := r.Body.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
