package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodableEncodings are the content codings the proxy can undo. Upstreams
// are only offered these, because Content-Encoding is dropped from responses.
var decodableEncodings = map[string]bool{
	"gzip":    true,
	"x-gzip":  true,
	"deflate": true,
	"br":      true,
	"zstd":    true,
}

// filterAcceptEncoding drops codings the proxy cannot decode from an
// Accept-Encoding value, keeping q-values on the survivors.
func filterAcceptEncoding(value string) string {
	var kept []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if decodableEncodings[name] || name == "identity" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}

// decodeBody undoes the codings listed in a Content-Encoding header. Codings
// are applied in order by the origin, so they are removed in reverse.
func decodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	var codings []string
	for _, c := range strings.Split(contentEncoding, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && c != "identity" {
			codings = append(codings, c)
		}
	}
	if len(codings) == 0 {
		return body, nil
	}

	db := &decodedBody{Reader: body, closers: []io.Closer{body}, coding: contentEncoding}
	for i := len(codings) - 1; i >= 0; i-- {
		r, err := newDecoder(db.Reader, codings[i])
		if err != nil {
			db.Close()
			return nil, &decodeError{coding: codings[i], err: err}
		}
		db.Reader = r
		if c, ok := r.(io.Closer); ok {
			db.closers = append(db.closers, c)
		}
	}
	return db, nil
}

func newDecoder(r io.Reader, coding string) (io.Reader, error) {
	switch coding {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return newDeflateReader(r)
	case "br":
		return brotli.NewReader(r), nil
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", coding)
	}
}

// newDeflateReader accepts both zlib-wrapped streams (what the HTTP spec
// calls deflate) and raw deflate, which many servers send instead.
func newDeflateReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err == nil && isZlibHeader(header[0], header[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// decodeError marks a body the proxy could not decode.
type decodeError struct {
	coding string
	err    error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode %s body: %v", e.coding, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

// decodedBody reads decoded content and closes every layer on Close.
type decodedBody struct {
	io.Reader
	closers []io.Closer
	coding  string
}

// Read wraps decoder failures in decodeError. Idle timeouts and cancellation
// from the layer below pass through unchanged.
func (d *decodedBody) Read(p []byte) (int, error) {
	n, err := d.Reader.Read(p)
	if err != nil && err != io.EOF && !errors.Is(err, errIdleTimeout) && !errors.Is(err, context.Canceled) {
		err = &decodeError{coding: d.coding, err: err}
	}
	return n, err
}

func (d *decodedBody) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
