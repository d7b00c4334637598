// Package proxy relays requests to a single upstream origin and injects the
// plugin script into HTML entry documents on the way back.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/injector/internal/errors"
	"github.com/wudi/injector/internal/inject"
	"github.com/wudi/injector/internal/logging"
	"github.com/wudi/injector/internal/metrics"
	"github.com/wudi/injector/internal/middleware"
	"github.com/wudi/injector/internal/plugin"
	"github.com/wudi/injector/internal/tracing"
)

// Proxy forwards requests to the target origin.
type Proxy struct {
	target        *url.URL
	transport     http.RoundTripper
	timeout       time.Duration
	flushInterval time.Duration
	plugin        *plugin.Source
	metrics       *metrics.Collector
	tracer        *tracing.Tracer

	proxied  atomic.Int64
	injected atomic.Int64
	failed   atomic.Int64
}

// Config holds proxy configuration
type Config struct {
	Target        *url.URL
	Transport     http.RoundTripper // nil = TransportWithTimeout(Timeout)
	Timeout       time.Duration     // connect, response header and body idle timeout
	FlushInterval time.Duration     // 0 = flush event streams only
	Plugin        *plugin.Source
	Metrics       *metrics.Collector
	Tracer        *tracing.Tracer
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = TransportWithTimeout(timeout)
	}
	return &Proxy{
		target:        cfg.Target,
		transport:     transport,
		timeout:       timeout,
		flushInterval: cfg.FlushInterval,
		plugin:        cfg.Plugin,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
	}
}

// ServeHTTP relays r to the upstream and writes the (possibly injected) response.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxied.Add(1)

	// Canceled when the client goes away, when the handler returns, or when
	// the upstream body stalls.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	proxyReq := p.createProxyRequest(ctx, r)
	proxyReq, span := p.tracer.StartClientSpan(proxyReq)

	// RoundTrip does not follow redirects; 3xx responses reach the client as-is.
	resp, err := p.transport.RoundTrip(proxyReq)
	if err != nil {
		tracing.EndClientSpan(span, 0, err)
		p.handleError(w, r, err)
		return
	}
	tracing.EndClientSpan(span, resp.StatusCode, nil)

	raw := newIdleTimeoutReader(resp.Body, p.timeout, cancel)
	defer raw.Close()

	var body io.ReadCloser = raw
	if ce := resp.Header.Get("Content-Encoding"); ce != "" {
		decoded, err := decodeBody(raw, ce)
		if err != nil {
			p.handleError(w, r, err)
			return
		}
		defer decoded.Close()
		body = decoded
	}

	if r.Method != http.MethodHead && inject.IsEntryResponse(r.URL.Path, resp.Header.Get("Content-Type")) {
		page, err := io.ReadAll(body)
		if err != nil {
			p.handleError(w, r, err)
			return
		}
		copyHeaders(w.Header(), resp.Header)
		p.writeEntry(w, r, resp.StatusCode, string(page))
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if err := p.copyBody(w, body, isEventStream(resp.Header.Get("Content-Type"))); err != nil {
		// Status and headers are already sent; all we can do is record it.
		reason := errorReason(r, err)
		p.failed.Add(1)
		p.metrics.RecordUpstreamError(reason)
		logging.Warn("upstream body interrupted",
			zap.String("request_id", middleware.GetRequestID(r)),
			zap.String("path", r.URL.Path),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// writeEntry injects the plugin into an HTML entry document and writes it
// with the upstream status. A missing plugin leaves the page unmodified.
func (p *Proxy) writeEntry(w http.ResponseWriter, r *http.Request, status int, html string) {
	script, err := p.plugin.Load()
	if err != nil {
		logging.Warn("plugin unavailable, serving page unmodified",
			zap.String("request_id", middleware.GetRequestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		out := inject.Inject(html, script)
		if out.Injected {
			html = out.HTML
			p.injected.Add(1)
			p.metrics.RecordInjection(out.Anchor.String())
			logging.Debug("plugin injected",
				zap.String("request_id", middleware.GetRequestID(r)),
				zap.String("path", r.URL.Path),
				zap.Stringer("anchor", out.Anchor),
			)
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(html)))
	w.WriteHeader(status)
	io.WriteString(w, html)
}

// createProxyRequest builds the upstream request: target origin joined with
// the request path, original query, filtered headers and X-Forwarded-*.
func (p *Proxy) createProxyRequest(ctx context.Context, r *http.Request) *http.Request {
	targetURL := *p.target
	targetURL.Path = singleJoiningSlash(p.target.Path, r.URL.Path)
	targetURL.RawPath = ""
	if r.URL.RawPath != "" {
		targetURL.RawPath = singleJoiningSlash(p.target.EscapedPath(), r.URL.RawPath)
	}
	targetURL.RawQuery = r.URL.RawQuery
	targetURL.Fragment = ""

	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}

	// Construct request directly; avoids URL.String() + url.Parse() round-trip.
	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: r.ContentLength,
		Host:          p.target.Host,
		Header:        make(http.Header, len(r.Header)+3),
	}).WithContext(ctx)

	for k, vv := range r.Header {
		proxyReq.Header[k] = append([]string(nil), vv...)
	}
	proxyReq.Header.Del("Host")
	proxyReq.Header.Del("Content-Length")
	removeHopHeaders(proxyReq.Header)

	if ae := proxyReq.Header.Get("Accept-Encoding"); ae != "" {
		if filtered := filterAcceptEncoding(ae); filtered != "" {
			proxyReq.Header.Set("Accept-Encoding", filtered)
		} else {
			proxyReq.Header.Del("Accept-Encoding")
		}
	}

	if clientIP := remoteIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	return proxyReq
}

// handleError logs an upstream failure and answers 502.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	p.failed.Add(1)
	reason := errorReason(r, err)
	p.metrics.RecordUpstreamError(reason)

	fields := []zap.Field{
		zap.String("request_id", middleware.GetRequestID(r)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("target", p.target.Redacted()),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if reason == "canceled" {
		logging.Debug("client canceled upstream request", fields...)
	} else {
		logging.Error("upstream request failed", fields...)
	}

	errors.Respond(w, errors.ErrBadGateway.WithDetails(reason))
}

func errorReason(r *http.Request, err error) string {
	var netErr net.Error
	switch {
	case stderrors.Is(err, errIdleTimeout):
		return "timeout"
	case r.Context().Err() != nil:
		return "canceled"
	case stderrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case stderrors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case stderrors.As(err, new(*decodeError)):
		return "decode"
	default:
		return "connect"
	}
}

// Stats returns proxy counters.
func (p *Proxy) Stats() map[string]interface{} {
	return map[string]interface{}{
		"target":   p.target.Redacted(),
		"proxied":  p.proxied.Load(),
		"injected": p.injected.Load(),
		"failed":   p.failed.Load(),
	}
}

// copyHeaders copies upstream response headers, dropping hop-by-hop headers
// and the framing headers that no longer describe the body we send.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
	dst.Del("Content-Encoding")
	dst.Del("Content-Length")
}

// copyBody streams the body, flushing after each chunk for event streams or
// on the configured interval. It returns upstream read errors only; a client
// that stops reading ends the copy silently.
func (p *Proxy) copyBody(w http.ResponseWriter, body io.Reader, stream bool) error {
	rc := http.NewResponseController(w)
	flush := stream || p.flushInterval > 0

	buf := make([]byte, 32*1024)
	lastFlush := time.Now()
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
			if flush && (stream || time.Since(lastFlush) >= p.flushInterval) {
				rc.Flush()
				lastFlush = time.Now()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
