package codec

import (
	"bytes"
	"io"

	json "github.com/goccy/go-json"
	"github.com/valyala/bytebufferpool"

	"slimweb"
)

const contentTypeJSON = "application/json; charset=utf-8"

// JSONResponse encodes v as the body of a response with status code.
func JSONResponse(code int, v any) (*slimweb.Response, error) {
	b, err := marshal(v)
	if err != nil {
		return nil, err
	}
	resp, err := slimweb.NewResponse(code)
	if err != nil {
		return nil, err
	}
	_ = resp.Header.Set("Content-Type", contentTypeJSON)
	resp.SetBody(b)
	return resp, nil
}

// JSONRequest builds a request whose body is v encoded as JSON.
func JSONRequest(method slimweb.Method, target string, v any) (*slimweb.Request, error) {
	b, err := marshal(v)
	if err != nil {
		return nil, err
	}
	req := slimweb.NewRequest(method, target)
	_ = req.Header.Set("Content-Type", contentTypeJSON)
	req.SetBody(b)
	return req, nil
}

// DecodeJSON reads at most limit bytes from r and decodes them into v.
// Unknown fields are rejected.
func DecodeJSON(r io.Reader, limit int64, v any) error {
	b, err := slimweb.ReadAll(r, limit)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &slimweb.Error{Op: "decode json", Kind: slimweb.ErrMalformedMessage, Err: err}
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.B...), nil
}
