package slimweb

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Lookup is case-insensitive,
// emission keeps the original casing and order, and duplicates are kept as
// separate fields. Every field has passed ValidField, so no name or value
// ever carries a raw CR or LF.
//
// The zero value is an empty header ready to use.
type Header struct {
	fields []Field
}

// NewHeader builds a header from name/value pairs.
func NewHeader(pairs ...string) (Header, error) {
	var h Header
	if len(pairs)%2 != 0 {
		return h, Errorf(ErrMalformedMessage, "header", "odd number of name/value arguments")
	}
	for i := 0; i < len(pairs); i += 2 {
		if err := h.Add(pairs[i], pairs[i+1]); err != nil {
			return Header{}, err
		}
	}
	return h, nil
}

// MustHeader is like NewHeader but panics on invalid input. It is meant for
// literals in code and tests.
func MustHeader(pairs ...string) Header {
	h, err := NewHeader(pairs...)
	if err != nil {
		panic(err)
	}
	return h
}

// ValidField reports whether name and value may appear on the wire. Names
// must be tokens; values may not contain control bytes other than HTAB.
func ValidField(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return &Error{Op: "header", Kind: ErrMalformedMessage, Err: invalidFieldError{name: name, what: "name"}}
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return &Error{Op: "header", Kind: ErrMalformedMessage, Err: invalidFieldError{name: name, what: "value"}}
	}
	return nil
}

type invalidFieldError struct {
	name string
	what string
}

func (e invalidFieldError) Error() string {
	return "invalid header field " + e.what + " for " + strings.ToValidUTF8(e.name, "?")
}

func (e invalidFieldError) Is(target error) bool { return target == ErrInvalidHeader }

// Add appends a field.
func (h *Header) Add(name, value string) error {
	if err := ValidField(name, value); err != nil {
		return err
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
	return nil
}

// Set replaces every field called name with a single one. The new field
// takes the position of the first replaced field, or is appended.
func (h *Header) Set(name, value string) error {
	if err := ValidField(name, value); err != nil {
		return err
	}
	out := h.fields[:0]
	placed := false
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
			continue
		}
		if !placed {
			out = append(out, Field{Name: name, Value: value})
			placed = true
		}
	}
	if !placed {
		out = append(out, Field{Name: name, Value: value})
	}
	h.fields = out
	return nil
}

// Del removes every field called name.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	clear(h.fields[len(out):])
	h.fields = out
}

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name in order.
func (h Header) Values(name string) []string {
	var vv []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vv = append(vv, f.Value)
		}
	}
	return vv
}

// Has reports whether at least one field called name exists.
func (h Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Combined joins the values for name with ", " as a list-valued field.
// Set-Cookie cannot be combined and yields only its first value.
func (h Header) Combined(name string) string {
	if strings.EqualFold(name, "Set-Cookie") {
		return h.Get(name)
	}
	return strings.Join(h.Values(name), ", ")
}

// ContainsToken reports whether any value of the list-valued field name
// contains token, compared case-insensitively.
func (h Header) ContainsToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

// Len returns the number of fields.
func (h Header) Len() int { return len(h.fields) }

// Fields returns a copy of the fields in order.
func (h Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

// Each calls fn for every field in order.
func (h Header) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.Name, f.Value)
	}
}

// Clone returns an independent copy of h.
func (h Header) Clone() Header {
	return Header{fields: h.Fields()}
}

