package slimweb

import (
	"bytes"
	"io"
	"strings"
)

// ReadAll materializes a body, failing with ErrTooLarge once more than limit
// bytes have been produced. A limit <= 0 disables the ceiling.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return b, err
	}
	if int64(len(b)) > limit {
		return b[:limit], Errorf(ErrTooLarge, "read body", "body exceeds %d bytes", limit)
	}
	return b, nil
}

// bodyOf returns a reader and length for an in-memory payload.
func bodyOf(b []byte) (io.Reader, int64) {
	if len(b) == 0 {
		return nil, 0
	}
	return bytes.NewReader(b), int64(len(b))
}

func stringBody(s string) (io.Reader, int64) {
	if s == "" {
		return nil, 0
	}
	return strings.NewReader(s), int64(len(s))
}
