package slimweb

import "fmt"

// Version is an HTTP protocol version. Only 1.0 and 1.1 are understood.
type Version struct {
	Major, Minor int
}

var (
	HTTP10 = Version{1, 0}
	HTTP11 = Version{1, 1}
)

// ParseVersion parses "HTTP/1.0" or "HTTP/1.1".
func ParseVersion(s string) (Version, error) {
	switch s {
	case "HTTP/1.1":
		return HTTP11, nil
	case "HTTP/1.0":
		return HTTP10, nil
	}
	return Version{}, Errorf(ErrMalformedMessage, "parse version", "unsupported protocol %q", s)
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

func (v Version) String() string {
	return fmt.Sprintf("HTTP/%d.%d", v.Major, v.Minor)
}
