package slimweb

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the engine matches exactly one of
// these through errors.Is.
var (
	ErrTimeout          = errors.New("slimweb: deadline exceeded")
	ErrMalformedMessage = errors.New("slimweb: malformed message")
	ErrAmbiguousFraming = errors.New("slimweb: ambiguous message framing")
	ErrTooLarge         = errors.New("slimweb: message exceeds configured limit")
	ErrTruncatedBody    = errors.New("slimweb: truncated body")
	ErrMalformedChunk   = errors.New("slimweb: malformed chunk")
	ErrIO               = errors.New("slimweb: transport failure")
	ErrHandlerFault     = errors.New("slimweb: handler fault")
)

var (
	// ErrInvalidHeader is returned when a header name or value cannot be
	// emitted or accepted verbatim. It is a MalformedMessage.
	ErrInvalidHeader = &Error{Op: "header", Kind: ErrMalformedMessage, Err: errors.New("invalid header field")}

	// ErrBodyConsumed is returned by a second attempt to read a body that
	// has already been read to completion or discarded.
	ErrBodyConsumed = errors.New("slimweb: body already consumed")
)

var kinds = []error{
	ErrTimeout,
	ErrMalformedMessage,
	ErrAmbiguousFraming,
	ErrTooLarge,
	ErrTruncatedBody,
	ErrMalformedChunk,
	ErrIO,
	ErrHandlerFault,
}

// Error is a classified engine error.
type Error struct {
	Op   string // operation, e.g. "parse headers"
	Kind error  // one of the Err* kinds above
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil; an err that is
// already classified is returned unchanged so the first classification wins.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the error kind err belongs to, or nil if it is unclassified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a short label for the kind of err, suitable for metrics.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrTimeout:
		return "timeout"
	case ErrMalformedMessage:
		return "malformed_message"
	case ErrAmbiguousFraming:
		return "ambiguous_framing"
	case ErrTooLarge:
		return "too_large"
	case ErrTruncatedBody:
		return "truncated_body"
	case ErrMalformedChunk:
		return "malformed_chunk"
	case ErrIO:
		return "io"
	case ErrHandlerFault:
		return "handler_fault"
	default:
		return "other"
	}
}
