package deadline

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"slimweb"
	"slimweb/bytestream"
)

func fixedClock(budget Budget, now time.Time) *Clock {
	c := NewClock(budget)
	c.now = func() time.Time { return now }
	return c
}

func TestClockBegin(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	budget := Budget{Idle: time.Minute, Header: 10 * time.Second, Body: 30 * time.Second, Write: 5 * time.Second}

	tests := []struct {
		name    string
		phase   Phase
		ceiling time.Time
		want    time.Time
	}{
		{"header", Header, time.Time{}, now.Add(10 * time.Second)},
		{"idle", Idle, time.Time{}, now.Add(time.Minute)},
		{"zero budget means none", Continue, time.Time{}, time.Time{}},
		{"ceiling caps budget", Body, now.Add(time.Second), now.Add(time.Second)},
		{"budget below ceiling", Write, now.Add(time.Hour), now.Add(5 * time.Second)},
		{"ceiling applies without budget", Continue, now.Add(time.Second), now.Add(time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fixedClock(budget, now)
			c.SetCeiling(tt.ceiling)
			got := c.Begin(tt.phase)
			if !got.Equal(tt.want) {
				t.Errorf("Begin(%s) = %v, want %v", tt.phase, got, tt.want)
			}
			if c.Phase() != tt.phase {
				t.Errorf("Phase() = %s, want %s", c.Phase(), tt.phase)
			}
		})
	}
}

func TestClockDeadlineIsFixedPerPhase(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(Budget{Header: time.Second})
	c.now = func() time.Time { return now }
	first := c.Begin(Header)

	now = now.Add(900 * time.Millisecond)
	if !c.Deadline().Equal(first) {
		t.Fatalf("deadline moved without a new phase")
	}
	if c.Expired() {
		t.Fatalf("Expired() before the deadline")
	}
	now = now.Add(200 * time.Millisecond)
	if !c.Expired() {
		t.Fatalf("Expired() = false after the deadline")
	}
}

func TestClockBeginWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := fixedClock(Budget{Body: 10 * time.Second}, now)
	if got := c.BeginWithin(Body, time.Second); !got.Equal(now.Add(time.Second)) {
		t.Errorf("BeginWithin shorter = %v", got)
	}
	if got := c.BeginWithin(Body, time.Minute); !got.Equal(now.Add(10 * time.Second)) {
		t.Errorf("BeginWithin longer = %v", got)
	}
}

func TestWith(t *testing.T) {
	called := false
	_, err := With(time.Now().Add(-time.Millisecond), func(time.Time) (int, error) {
		called = true
		return 0, nil
	})
	if called {
		t.Error("op ran although the deadline had passed")
	}
	if !errors.Is(err, slimweb.ErrTimeout) {
		t.Errorf("With(past) error = %v, want timeout", err)
	}

	d := time.Now().Add(time.Hour)
	n, err := With(d, func(got time.Time) (int, error) {
		if !got.Equal(d) {
			t.Errorf("op saw deadline %v, want %v", got, d)
		}
		return 7, nil
	})
	if n != 7 || err != nil {
		t.Errorf("With(future) = %d, %v", n, err)
	}

	if _, err := With(time.Time{}, func(time.Time) (struct{}, error) { return struct{}{}, nil }); err != nil {
		t.Errorf("With(zero) error = %v", err)
	}
}

func TestEarliest(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Second)
	tests := []struct {
		a, b, want time.Time
	}{
		{a, b, a},
		{b, a, a},
		{time.Time{}, b, b},
		{a, time.Time{}, a},
		{time.Time{}, time.Time{}, time.Time{}},
	}
	for _, tt := range tests {
		if got := Earliest(tt.a, tt.b); !got.Equal(tt.want) {
			t.Errorf("Earliest(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestReaderTimesOutAbsolutely(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewClock(Budget{Header: 150 * time.Millisecond})
	c.Begin(Header)
	r := c.Reader(bytestream.Plain(server))

	// One byte at a time keeps the stream busy but must not extend the deadline.
	go func() {
		for i := 0; i < 20; i++ {
			time.Sleep(30 * time.Millisecond)
			if _, err := client.Write([]byte{'a'}); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	buf := make([]byte, 1)
	var err error
	for err == nil {
		_, err = r.Read(buf)
	}
	if !errors.Is(err, slimweb.ErrTimeout) {
		t.Fatalf("read error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed out after %v", elapsed)
	}
}

func TestWriterUsesPhaseDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewClock(Budget{Write: 100 * time.Millisecond})
	c.Begin(Write)
	w := c.Writer(bytestream.Plain(server))

	// Nobody reads from the pipe, so the write blocks until the deadline.
	_, err := w.Write([]byte("blocked"))
	if !errors.Is(err, slimweb.ErrTimeout) {
		t.Fatalf("write error = %v, want timeout", err)
	}

	c.Begin(Idle) // no idle budget: no deadline
	go io.Copy(io.Discard, client)
	if n, err := w.Write([]byte("flows")); err != nil || n != 5 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
}
