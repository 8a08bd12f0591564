// Package conn drives HTTP/1.x exchanges over one byte stream. The same
// state machine serves requests on accepted connections and performs
// round trips on dialed ones.
package conn

import (
	"bufio"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"slimweb"
	"slimweb/bytestream"
	"slimweb/deadline"
	"slimweb/wire"
)

// State is the position of a connection in its exchange cycle.
type State int32

const (
	Idle State = iota
	ReadingRequestHead
	AwaitingContinueDecision
	ReadingRequestBody
	Dispatching
	WritingRequest
	AwaitingResponse
	WritingResponse
	Closed
)

var stateNames = [...]string{
	Idle:                     "idle",
	ReadingRequestHead:       "reading-request-head",
	AwaitingContinueDecision: "awaiting-continue-decision",
	ReadingRequestBody:       "reading-request-body",
	Dispatching:              "dispatching",
	WritingRequest:           "writing-request",
	AwaitingResponse:         "awaiting-response",
	WritingResponse:          "writing-response",
	Closed:                   "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config holds the per-connection policy.
type Config struct {
	Limits wire.Limits
	Budget deadline.Budget

	// MaxBodyBytes bounds incoming request bodies; 0 means unlimited.
	MaxBodyBytes int64
	// DrainLimit is how many unread request body bytes are discarded to keep
	// a connection alive after the handler returns.
	DrainLimit int64
	// MaxExchanges closes the connection after that many exchanges; 0 means
	// unlimited.
	MaxExchanges int
	// ChunkSize bounds outgoing chunks.
	ChunkSize int

	// Compression enables gzip content coding in both directions.
	Compression      bool
	CompressionLevel int

	Logger   *slog.Logger
	Observer Observer
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Limits: wire.DefaultLimits(),
		Budget: deadline.Budget{
			Header:   10 * time.Second,
			Body:     30 * time.Second,
			Write:    30 * time.Second,
			Idle:     60 * time.Second,
			Continue: time.Second,
		},
		DrainLimit: 64 << 10,
		ChunkSize:  wire.DefaultChunkSize,
	}
}

// Conn is one HTTP/1.x connection. Its exchange methods must be called from
// a single goroutine; Close, Retire and State may be called from any.
type Conn struct {
	cfg    Config
	s      bytestream.Stream
	clock  *deadline.Clock
	br     *bufio.Reader
	parser *wire.Parser
	w      *wire.Writer
	log    *slog.Logger
	obs    Observer

	state     atomic.Int32
	retired   atomic.Bool
	exchanges atomic.Int64
	closeOnce sync.Once

	// client side
	onIdle func(*Conn)
}

// New binds a connection to s. The connection owns s from now on.
func New(s bytestream.Stream, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.DrainLimit == 0 {
		cfg.DrainLimit = DefaultConfig().DrainLimit
	}
	c := &Conn{
		cfg:   cfg,
		s:     s,
		clock: deadline.NewClock(cfg.Budget),
		log:   cfg.Logger.With("component", "conn", "remote", addrString(s)),
		obs:   cfg.Observer,
	}
	c.br = bufio.NewReader(c.clock.Reader(s))
	c.parser = wire.NewParser(c.br, cfg.Limits)
	c.w = wire.NewWriter(c.clock.Writer(s), cfg.ChunkSize)
	c.obs.ConnOpened()
	return c
}

// State returns the current state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	if c.State() != Closed {
		c.state.Store(int32(s))
	}
}

// leaveIdle moves an idle connection into st. It fails if the connection
// was closed while idle.
func (c *Conn) leaveIdle(st State) bool {
	return c.state.CompareAndSwap(int32(Idle), int32(st))
}

// Exchanges returns the number of exchanges started on the connection.
func (c *Conn) Exchanges() int { return int(c.exchanges.Load()) }

// Stream returns the underlying byte stream.
func (c *Conn) Stream() bytestream.Stream { return c.s }

// Retire stops the connection from starting another exchange. An idle
// connection is closed at once; a busy one finishes its exchange with
// "Connection: close".
func (c *Conn) Retire() {
	c.retired.Store(true)
	if c.state.CompareAndSwap(int32(Idle), int32(Closed)) {
		c.teardown()
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.state.Store(int32(Closed))
	return c.teardown()
}

func (c *Conn) teardown() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.s.Close()
		n := c.Exchanges()
		c.obs.ConnClosed(n)
		c.log.Debug("connection closed", "exchanges", n)
	})
	return err
}

// keepAlive applies the protocol default for v unless the Connection
// header overrides it.
func keepAlive(v slimweb.Version, h slimweb.Header) bool {
	if h.ContainsToken("Connection", "close") {
		return false
	}
	if v.AtLeast(1, 1) {
		return true
	}
	return h.ContainsToken("Connection", "keep-alive")
}

func addrString(s bytestream.Stream) string {
	if a := s.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
