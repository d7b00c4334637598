package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/injector/internal/metrics"
)

func TestLoggingFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})

	final := NewBuilder().Use(RequestID()).Use(LoggingWithConfig(LoggingConfig{Logger: zap.New(core)})).Handler(handler)

	req := httptest.NewRequest("POST", "/items?foo=bar", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("X-Request-ID", "rid-1")
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	checks := map[string]interface{}{
		"request_id":  "rid-1",
		"method":      "POST",
		"path":        "/items",
		"query":       "foo=bar",
		"status":      int64(http.StatusCreated),
		"body_bytes":  int64(len("created")),
		"user_agent":  "test-agent",
		"remote_addr": "192.0.2.1",
	}
	for k, want := range checks {
		if fields[k] != want {
			t.Errorf("field %s = %v (%T), want %v", k, fields[k], fields[k], want)
		}
	}
	if _, ok := fields["response_time"]; !ok {
		t.Error("expected response_time field")
	}
}

func TestLoggingSkipPaths(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mw := LoggingWithConfig(LoggingConfig{
		SkipPaths: []string{"/health"},
		Logger:    zap.New(core),
	})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	if logs.Len() != 0 {
		t.Errorf("expected /health to be skipped, got %d entries", logs.Len())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if logs.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", logs.Len())
	}
}

func TestLoggingDefaultStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingWithConfig(LoggingConfig{Logger: zap.New(core)})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := logs.All()[0].ContextMap()["status"]; got != int64(200) {
		t.Errorf("expected implicit 200, got %v", got)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Errorf("expected remote host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Errorf("expected first forwarded address, got %q", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	mc := metrics.NewCollector()
	handler := Metrics(mc, "static")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing.js", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing.js", nil))

	expected := `
# HELP injector_requests_total Total number of requests
# TYPE injector_requests_total counter
injector_requests_total{method="GET",mode="static",status="404"} 2
`
	if err := testutil.GatherAndCompare(mc.Registry(), strings.NewReader(expected), "injector_requests_total"); err != nil {
		t.Error(err)
	}
}

func TestMetricsMiddlewareNilCollector(t *testing.T) {
	called := false
	handler := Metrics(nil, "proxy")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Error("handler not called")
	}
}

func TestLoggingResponseWriterFirstStatusWins(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := acquireWriter(rr)
	defer releaseWriter(lrw)

	lrw.WriteHeader(http.StatusBadGateway)
	lrw.WriteHeader(http.StatusOK)
	n, _ := lrw.Write([]byte("hello"))

	if lrw.Status() != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", lrw.Status())
	}
	if lrw.BytesWritten() != int64(n) {
		t.Errorf("expected %d bytes, got %d", n, lrw.BytesWritten())
	}
}

type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flusherRecorder) Flush() {
	f.flushed = true
}

func TestLoggingResponseWriterFlushDelegates(t *testing.T) {
	fr := &flusherRecorder{ResponseRecorder: httptest.NewRecorder()}
	lrw := acquireWriter(fr)
	defer releaseWriter(lrw)

	lrw.Flush()
	if !fr.flushed {
		t.Error("Flush should delegate to the underlying writer")
	}
	if err := http.NewResponseController(lrw).Flush(); err != nil {
		t.Errorf("ResponseController flush: %v", err)
	}
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (hw *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hw.hijacked = true
	return nil, nil, nil
}

func TestLoggingResponseWriterHijack(t *testing.T) {
	lrw := acquireWriter(httptest.NewRecorder())
	if _, _, err := lrw.Hijack(); err != http.ErrNotSupported {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	releaseWriter(lrw)

	hw := &hijackableWriter{ResponseRecorder: httptest.NewRecorder()}
	lrw = acquireWriter(hw)
	defer releaseWriter(lrw)
	if _, _, err := lrw.Hijack(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !hw.hijacked {
		t.Error("Hijack should delegate")
	}
}

func TestLoggingMeasuresDuration(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingWithConfig(LoggingConfig{Logger: zap.New(core)})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	d, ok := logs.All()[0].ContextMap()["response_time"].(time.Duration)
	if !ok || d < 5*time.Millisecond {
		t.Errorf("expected response_time >= 5ms, got %v", logs.All()[0].ContextMap()["response_time"])
	}
}
