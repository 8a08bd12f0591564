// Package codec holds the body transforms the engine applies around framing:
// gzip content coding and JSON structured bodies.
package codec

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"

	"slimweb"
)

// Gzip is the only content coding the engine applies itself.
const Gzip = "gzip"

// AcceptsGzip reports whether an Accept-Encoding header allows gzip. An
// explicit gzip entry decides; otherwise a * entry does. A quality of zero
// refuses the coding.
func AcceptsGzip(h slimweb.Header) bool {
	gzipSeen, gzipOK := false, false
	wildSeen, wildOK := false, false
	for _, v := range h.Values("Accept-Encoding") {
		for _, item := range strings.Split(v, ",") {
			coding, params, _ := strings.Cut(item, ";")
			coding = strings.TrimSpace(coding)
			switch {
			case strings.EqualFold(coding, Gzip):
				gzipSeen, gzipOK = true, !zeroQuality(params)
			case coding == "*":
				wildSeen, wildOK = true, !zeroQuality(params)
			}
		}
	}
	if gzipSeen {
		return gzipOK
	}
	return wildSeen && wildOK
}

func zeroQuality(params string) bool {
	for _, p := range strings.Split(params, ";") {
		p = strings.ReplaceAll(strings.ToLower(p), " ", "")
		if q, ok := strings.CutPrefix(p, "q="); ok {
			f, err := strconv.ParseFloat(q, 64)
			return err == nil && f == 0
		}
	}
	return false
}

// IsGzip reports whether the Content-Encoding of h is exactly gzip.
func IsGzip(h slimweb.Header) bool {
	v := h.Values("Content-Encoding")
	return len(v) == 1 && strings.EqualFold(strings.TrimSpace(v[0]), Gzip)
}

// Compress returns a reader producing the gzip encoding of src. Input is
// pulled one read at a time and the compressed output of that read is
// handed out before more input is requested, so only one chunk is held.
// A level of 0 selects the default compression level.
func Compress(src io.Reader, level int) (io.ReadCloser, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	buf := bytebufferpool.Get()
	zw, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	return &compressReader{src: src, zw: zw, buf: buf, in: make([]byte, 16<<10)}, nil
}

type compressReader struct {
	src  io.Reader
	zw   *gzip.Writer
	buf  *bytebufferpool.ByteBuffer
	in   []byte
	off  int
	done bool
	err  error
}

func (c *compressReader) Read(p []byte) (int, error) {
	for c.off == c.buf.Len() {
		if c.err != nil {
			return 0, c.err
		}
		if c.done {
			c.err = io.EOF
			continue
		}
		c.buf.Reset()
		c.off = 0
		n, err := c.src.Read(c.in)
		if n > 0 {
			if _, werr := c.zw.Write(c.in[:n]); werr != nil {
				c.err = werr
			}
		}
		switch {
		case err == io.EOF:
			if cerr := c.zw.Close(); cerr != nil && c.err == nil {
				c.err = cerr
			}
			c.done = true
		case err != nil:
			c.err = err
		}
	}
	n := copy(p, c.buf.B[c.off:])
	c.off += n
	return n, nil
}

func (c *compressReader) Close() error {
	if c.buf != nil {
		bytebufferpool.Put(c.buf)
		c.buf = &bytebufferpool.ByteBuffer{}
	}
	if cl, ok := c.src.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// CompressWriter returns a gzip writer over w for bodies produced by
// writing. Close flushes the gzip footer without closing w.
func CompressWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return gzip.NewWriterLevel(w, level)
}

// Decompress returns a reader of the decoded gzip stream in src. The gzip
// header is not read until the first Read, so constructing it never blocks.
func Decompress(src io.Reader) io.ReadCloser {
	return &decompressReader{src: src}
}

type decompressReader struct {
	src io.Reader
	zr  *gzip.Reader
	err error
}

func (d *decompressReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.zr == nil {
		zr, err := gzip.NewReader(d.src)
		if err != nil {
			d.err = decodeError(err)
			return 0, d.err
		}
		d.zr = zr
	}
	n, err := d.zr.Read(p)
	if err != nil && err != io.EOF {
		err = decodeError(err)
	}
	if err != nil {
		d.err = err
	}
	return n, err
}

func (d *decompressReader) Close() error {
	if d.zr != nil {
		d.zr.Close()
	}
	if cl, ok := d.src.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// decodeError keeps transport classifications and marks everything else as
// a malformed body.
func decodeError(err error) error {
	if slimweb.KindOf(err) != nil {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &slimweb.Error{Op: "gunzip", Kind: slimweb.ErrTruncatedBody, Err: err}
	}
	return &slimweb.Error{Op: "gunzip", Kind: slimweb.ErrMalformedMessage, Err: err}
}
