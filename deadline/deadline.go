// Package deadline bounds every blocking stream operation with an absolute
// instant. A deadline is fixed once per protocol phase, so a peer that
// trickles bytes cannot extend it.
package deadline

import (
	"io"
	"time"

	"slimweb"
	"slimweb/bytestream"
)

// Phase identifies the part of an exchange a deadline covers.
type Phase int

const (
	Idle     Phase = iota // waiting for the first byte of the next request
	Header                // reading a message head
	Body                  // reading a message body
	Write                 // writing a message
	Continue              // client waiting for 100 Continue
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Header:
		return "header"
	case Body:
		return "body"
	case Write:
		return "write"
	case Continue:
		return "continue"
	default:
		return "unknown"
	}
}

// Budget is the time allowed for each phase. A zero duration disables the
// deadline for that phase.
type Budget struct {
	Idle     time.Duration
	Header   time.Duration
	Body     time.Duration
	Write    time.Duration
	Continue time.Duration
}

func (b Budget) of(p Phase) time.Duration {
	switch p {
	case Idle:
		return b.Idle
	case Header:
		return b.Header
	case Body:
		return b.Body
	case Write:
		return b.Write
	case Continue:
		return b.Continue
	}
	return 0
}

// Clock tracks the active phase deadline of one connection. It is not safe
// for concurrent use; a connection is driven by a single goroutine.
type Clock struct {
	budget  Budget
	now     func() time.Time
	phase   Phase
	at      time.Time
	ceiling time.Time
}

// NewClock returns a clock for budget.
func NewClock(budget Budget) *Clock {
	return &Clock{budget: budget, now: time.Now}
}

// Begin starts phase p and returns its deadline: now plus the phase budget,
// capped by the ceiling. The deadline stays fixed until the next Begin.
func (c *Clock) Begin(p Phase) time.Time {
	c.phase = p
	c.at = time.Time{}
	if d := c.budget.of(p); d > 0 {
		c.at = c.now().Add(d)
	}
	c.at = Earliest(c.at, c.ceiling)
	return c.at
}

// BeginWithin starts phase p with at most d, still capped by the phase
// budget and ceiling.
func (c *Clock) BeginWithin(p Phase, d time.Duration) time.Time {
	c.Begin(p)
	if d > 0 {
		c.at = Earliest(c.at, c.now().Add(d))
	}
	return c.at
}

// SetCeiling caps every later phase deadline at t. The zero time removes
// the ceiling.
func (c *Clock) SetCeiling(t time.Time) {
	c.ceiling = t
	c.at = Earliest(c.at, t)
}

// Deadline returns the active deadline.
func (c *Clock) Deadline() time.Time { return c.at }

// Phase returns the active phase.
func (c *Clock) Phase() Phase { return c.phase }

// Budget returns the configured budget.
func (c *Clock) Budget() Budget { return c.budget }

// SetBudget replaces the budget for phases begun from now on.
func (c *Clock) SetBudget(b Budget) { c.budget = b }

// Expired reports whether the active deadline has passed.
func (c *Clock) Expired() bool {
	return !c.at.IsZero() && !c.now().Before(c.at)
}

// Reader adapts s into an io.Reader whose reads use the clock's active
// deadline at the time of each call.
func (c *Clock) Reader(s bytestream.Stream) io.Reader {
	return &reader{c: c, s: s}
}

// Writer adapts s into an io.Writer whose writes use the clock's active
// deadline. Short writes are retried until the deadline expires.
func (c *Clock) Writer(s bytestream.Stream) io.Writer {
	return &writer{c: c, s: s}
}

type reader struct {
	c *Clock
	s bytestream.Stream
}

func (r *reader) Read(p []byte) (int, error) {
	return With(r.c.at, func(d time.Time) (int, error) {
		return r.s.Read(p, d)
	})
}

type writer struct {
	c *Clock
	s bytestream.Stream
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := With(w.c.at, func(d time.Time) (int, error) {
			return w.s.Write(p[written:], d)
		})
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// With runs op against deadline d. An already expired deadline fails
// without calling op.
func With[T any](d time.Time, op func(time.Time) (T, error)) (T, error) {
	if !d.IsZero() && !time.Now().Before(d) {
		var zero T
		return zero, &slimweb.Error{Op: "deadline", Kind: slimweb.ErrTimeout}
	}
	return op(d)
}

// Earliest returns the earlier of two deadlines, treating zero as "never".
func Earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
