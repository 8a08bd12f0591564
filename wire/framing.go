package wire

import (
	"strconv"
	"strings"

	"slimweb"
)

// Mode is how the extent of a message body is determined.
type Mode int

const (
	NoBody     Mode = iota // no body follows the head
	Fixed                  // Content-Length bytes follow
	Chunked                // chunked transfer coding
	UntilClose             // body runs until the peer closes (responses only)
)

func (m Mode) String() string {
	switch m {
	case NoBody:
		return "none"
	case Fixed:
		return "fixed"
	case Chunked:
		return "chunked"
	case UntilClose:
		return "until-close"
	default:
		return "unknown"
	}
}

// Framing describes the body that follows a head. Length is meaningful for
// Fixed only.
type Framing struct {
	Mode   Mode
	Length int64
}

// HasBody reports whether any body bytes may follow.
func (f Framing) HasBody() bool {
	switch f.Mode {
	case Fixed:
		return f.Length > 0
	case Chunked, UntilClose:
		return true
	}
	return false
}

// RequestFraming derives the body framing of an incoming request. A request
// without Content-Length or Transfer-Encoding has no body.
func RequestFraming(h slimweb.Header, v slimweb.Version) (Framing, error) {
	f, declared, err := declaredFraming(h, v)
	if err != nil || declared {
		return f, err
	}
	return Framing{Mode: NoBody}, nil
}

// ResponseFraming derives the body framing of an incoming response to a
// request made with method. Responses to HEAD and 1xx, 204 and 304
// responses never carry a body; undeclared bodies run until close.
func ResponseFraming(method slimweb.Method, status int, h slimweb.Header, v slimweb.Version) (Framing, error) {
	f, declared, err := declaredFraming(h, v)
	if err != nil {
		return f, err
	}
	if method == slimweb.MethodHead || !slimweb.BodyAllowed(status) {
		return Framing{Mode: NoBody}, nil
	}
	if method == slimweb.MethodConnect && status/100 == 2 {
		return Framing{Mode: NoBody}, nil
	}
	if !declared {
		return Framing{Mode: UntilClose}, nil
	}
	return f, nil
}

// declaredFraming inspects Content-Length and Transfer-Encoding. Both present,
// or Content-Length values that disagree, is ambiguous and never resolved by
// preference.
func declaredFraming(h slimweb.Header, v slimweb.Version) (Framing, bool, error) {
	const op = "message framing"
	te := h.Values("Transfer-Encoding")
	cl := h.Values("Content-Length")

	if len(te) > 0 && len(cl) > 0 {
		return Framing{}, false, slimweb.Errorf(slimweb.ErrAmbiguousFraming, op, "both Content-Length and Transfer-Encoding present")
	}
	if len(te) > 0 {
		if !v.AtLeast(1, 1) {
			return Framing{}, false, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "Transfer-Encoding in an HTTP/1.0 message")
		}
		if err := checkChunkedOnly(te); err != nil {
			return Framing{}, false, err
		}
		return Framing{Mode: Chunked}, true, nil
	}
	if len(cl) > 0 {
		n, err := ParseContentLength(cl)
		if err != nil {
			return Framing{}, false, err
		}
		if n == 0 {
			return Framing{Mode: NoBody}, true, nil
		}
		return Framing{Mode: Fixed, Length: n}, true, nil
	}
	return Framing{}, false, nil
}

// checkChunkedOnly accepts exactly one coding, "chunked". Other codings are
// not understood, so the body extent would be unknown.
func checkChunkedOnly(values []string) error {
	const op = "message framing"
	var codings []string
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				codings = append(codings, c)
			}
		}
	}
	if len(codings) != 1 || !strings.EqualFold(codings[0], "chunked") {
		return slimweb.Errorf(slimweb.ErrMalformedMessage, op, "unsupported Transfer-Encoding %q", strings.Join(values, ", "))
	}
	return nil
}

// ParseContentLength parses one or more Content-Length field values. Repeated
// identical values are accepted; differing values are ambiguous.
func ParseContentLength(values []string) (int64, error) {
	const op = "content length"
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if !isDigits(part) {
				return 0, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "invalid Content-Length %q", v)
			}
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "Content-Length %q out of range", v)
			}
			if n >= 0 && m != n {
				return 0, slimweb.Errorf(slimweb.ErrAmbiguousFraming, op, "conflicting Content-Length values")
			}
			n = m
		}
	}
	if n < 0 {
		return 0, slimweb.Errorf(slimweb.ErrMalformedMessage, op, "empty Content-Length")
	}
	return n, nil
}
