// Package static serves a directory of built front-end files, injecting the
// plugin script into entry documents.
package static

import (
	stderrors "errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/injector/internal/errors"
	"github.com/wudi/injector/internal/inject"
	"github.com/wudi/injector/internal/logging"
	"github.com/wudi/injector/internal/metrics"
	"github.com/wudi/injector/internal/middleware"
	"github.com/wudi/injector/internal/plugin"
	"github.com/wudi/injector/internal/resolver"
)

// Config configures a Handler.
type Config struct {
	Root     string
	Fallback bool           // serve root index.html for unknown non-asset paths
	Plugin   *plugin.Source // nil serves entry documents unmodified
	Metrics  *metrics.Collector
}

// Handler serves files below a root directory.
type Handler struct {
	resolver *resolver.Resolver
	plugin   *plugin.Source
	metrics  *metrics.Collector

	served   atomic.Int64
	injected atomic.Int64
	failed   atomic.Int64
}

// New creates a Handler. It fails when Root is not an existing directory.
func New(cfg Config) (*Handler, error) {
	res, err := resolver.New(cfg.Root, cfg.Fallback)
	if err != nil {
		return nil, err
	}
	return &Handler{
		resolver: res,
		plugin:   cfg.Plugin,
		metrics:  cfg.Metrics,
	}, nil
}

// Root returns the canonical root directory.
func (h *Handler) Root() string {
	return h.resolver.Root()
}

// ServeHTTP serves GET and HEAD requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		errors.Respond(w, errors.ErrMethodNotAllowed)
		return
	}

	target, err := h.resolver.Resolve(r.URL.Path)
	switch {
	case stderrors.Is(err, resolver.ErrForbidden):
		logging.Warn("path escapes static root",
			zap.String("request_id", middleware.GetRequestID(r)),
			zap.String("path", r.URL.Path),
		)
		errors.Respond(w, errors.ErrForbidden)
		return
	case stderrors.Is(err, resolver.ErrNotFound):
		errors.Respond(w, errors.ErrNotFound)
		return
	case err != nil:
		h.fail(w, r, target.Path, err)
		return
	}

	h.served.Add(1)
	if target.Entry {
		h.serveEntry(w, r, target.Path)
		return
	}
	h.serveFile(w, r, target.Path)
}

func (h *Handler) serveEntry(w http.ResponseWriter, r *http.Request, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		h.fail(w, r, path, err)
		return
	}
	html := string(data)

	if h.plugin != nil {
		if script, err := h.plugin.Load(); err != nil {
			logging.Warn("plugin unavailable, serving page unmodified",
				zap.String("request_id", middleware.GetRequestID(r)),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
		} else if out := inject.Inject(html, script); out.Injected {
			html = out.HTML
			h.injected.Add(1)
			h.metrics.RecordInjection(out.Anchor.String())
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(html)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.WriteString(w, html)
	}
}

// serveFile streams a non-entry file. ServeContent handles Range,
// conditional requests and HEAD, and picks the type from the extension.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		h.fail(w, r, path, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.fail(w, r, path, err)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, path string, err error) {
	h.failed.Add(1)
	logging.Error("failed to read static file",
		zap.String("request_id", middleware.GetRequestID(r)),
		zap.String("path", r.URL.Path),
		zap.String("file", path),
		zap.Error(err),
	)
	errors.Respond(w, errors.ErrInternalServer)
}

// Stats returns file serving statistics.
func (h *Handler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"root":     h.resolver.Root(),
		"served":   h.served.Load(),
		"injected": h.injected.Load(),
		"failed":   h.failed.Load(),
	}
}
