package conn

import (
	"time"

	"slimweb"
)

// Observer receives connection lifecycle events. Implementations must be
// safe for concurrent use; every connection reports from its own goroutine.
type Observer interface {
	ConnOpened()
	ConnClosed(exchanges int)
	Exchange(method slimweb.Method, status int, elapsed time.Duration)
	Failure(err error)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) ConnOpened() {}
func (NopObserver) ConnClosed(int) {}
func (NopObserver) Exchange(slimweb.Method, int, time.Duration) {}
func (NopObserver) Failure(error) {}
