package wire

// Default parser ceilings.
const (
	DefaultMaxLineBytes   = 8 << 10
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxHeaderCount = 100
	DefaultMaxChunkSize   = 1 << 20
	DefaultChunkSize      = 16 << 10
)

// Limits bounds what a Parser accepts. Zero fields take the defaults.
type Limits struct {
	// MaxLineBytes bounds a single start line, header line, chunk-size
	// line or trailer line, excluding the CRLF.
	MaxLineBytes int
	// MaxHeaderBytes bounds the whole head: start line plus header lines.
	MaxHeaderBytes int
	MaxHeaderCount int
	// MaxChunkSize is the largest chunk-size a peer may announce.
	MaxChunkSize int64
}

// DefaultLimits returns the default ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes:   DefaultMaxLineBytes,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxHeaderCount: DefaultMaxHeaderCount,
		MaxChunkSize:   DefaultMaxChunkSize,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = d.MaxLineBytes
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxHeaderCount <= 0 {
		l.MaxHeaderCount = d.MaxHeaderCount
	}
	if l.MaxChunkSize <= 0 {
		l.MaxChunkSize = d.MaxChunkSize
	}
	return l
}
