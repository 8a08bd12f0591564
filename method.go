package slimweb

import "golang.org/x/net/http/httpguts"

// Method is a request method token. Methods are case-sensitive.
type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
	MethodPatch   Method = "PATCH"
	MethodConnect Method = "CONNECT"
	MethodTrace   Method = "TRACE"
)

// Valid reports whether m is a syntactically valid method token. Extension
// methods are valid as long as they are tokens.
func (m Method) Valid() bool {
	return m != "" && httpguts.ValidHeaderFieldName(string(m))
}

// Standard reports whether m is one of the methods defined above.
func (m Method) Standard() bool {
	switch m {
	case MethodGet, MethodHead, MethodPost, MethodPut, MethodDelete,
		MethodOptions, MethodPatch, MethodConnect, MethodTrace:
		return true
	}
	return false
}

func (m Method) String() string { return string(m) }
