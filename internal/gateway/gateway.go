package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/injector/internal/config"
	"github.com/wudi/injector/internal/errors"
	"github.com/wudi/injector/internal/logging"
	"github.com/wudi/injector/internal/metrics"
	"github.com/wudi/injector/internal/middleware"
	"github.com/wudi/injector/internal/plugin"
	"github.com/wudi/injector/internal/proxy"
	"github.com/wudi/injector/internal/static"
	"github.com/wudi/injector/internal/tracing"
)

// PluginAssetsPrefix is the URL prefix for files in the plugin assets directory.
const PluginAssetsPrefix = "/sdm-plugins"

// strategy serves every request that is not an auxiliary route.
type strategy interface {
	http.Handler
	Stats() map[string]interface{}
}

// Gateway dispatches requests to the auxiliary routes or the mode strategy.
type Gateway struct {
	config    *config.Config
	router    *httprouter.Router
	plugin    *plugin.Source
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	strategy  strategy
	assets    http.Handler
	startTime time.Time

	pluginChangedAt atomic.Pointer[time.Time]
}

// New creates a gateway for a validated config.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		config:    cfg,
		startTime: time.Now(),
	}

	if cfg.Metrics.Enabled {
		g.metrics = metrics.NewCollector()
	}

	var pluginOpts []plugin.Option
	if cfg.Plugin.Cache {
		pluginOpts = append(pluginOpts, plugin.WithCache(cfg.Plugin.CacheSize))
	}
	pluginOpts = append(pluginOpts, plugin.WithMetrics(g.metrics))
	g.plugin = plugin.NewSource(cfg.PluginPath, pluginOpts...)

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	g.tracer = tracer

	if err := g.initStrategy(); err != nil {
		return nil, err
	}
	g.initAssets()

	if err := g.initRouter(); err != nil {
		return nil, err
	}
	return g, nil
}

// initStrategy builds the handler for the configured mode.
func (g *Gateway) initStrategy() error {
	switch g.config.Mode {
	case config.ModeStatic:
		h, err := static.New(static.Config{
			Root:     g.config.StaticPath,
			Fallback: true,
			Plugin:   g.plugin,
			Metrics:  g.metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize static mode: %w", err)
		}
		g.strategy = h
		logging.Info("Serving static files", zap.String("root", h.Root()))

	case config.ModeProxy:
		target := g.config.Target()
		if target == nil || target.Host == "" {
			return fmt.Errorf("invalid target URL %q", g.config.TargetURL)
		}
		g.strategy = proxy.New(proxy.Config{
			Target:        target,
			Timeout:       g.config.Proxy.Timeout,
			FlushInterval: g.config.Proxy.FlushInterval,
			Plugin:        g.plugin,
			Metrics:       g.metrics,
			Tracer:        g.tracer,
		})
		logging.Info("Proxying to upstream", zap.String("target", target.Redacted()))

	default:
		return fmt.Errorf("unknown mode %q", g.config.Mode)
	}
	return nil
}

// initAssets prepares the /sdm-plugins/ file server. A missing assets
// directory is not fatal; every asset request then gets 404.
func (g *Gateway) initAssets() {
	h, err := static.New(static.Config{Root: g.config.AssetsDir()})
	if err != nil {
		logging.Warn("Plugin assets directory unavailable",
			zap.String("path", g.config.AssetsDir()),
			zap.Error(err),
		)
		g.assets = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			errors.Respond(w, errors.ErrNotFound)
		})
		return
	}
	g.assets = h
}

func (g *Gateway) initRouter() error {
	rt := httprouter.New()
	rt.HandleMethodNotAllowed = false
	rt.HandleOPTIONS = false
	rt.RedirectTrailingSlash = false
	rt.RedirectFixedPath = false

	assets := http.StripPrefix(PluginAssetsPrefix, g.assets)
	rt.Handler(http.MethodGet, PluginAssetsPrefix+"/*filepath", assets)
	rt.Handler(http.MethodHead, PluginAssetsPrefix+"/*filepath", assets)
	rt.HandlerFunc(http.MethodGet, "/health", g.handleHealth)
	rt.HandlerFunc(http.MethodGet, "/config", g.handleConfig)

	if g.metrics != nil {
		path := g.config.Metrics.Path
		if !strings.HasPrefix(path, config.InternalPrefix) {
			return fmt.Errorf("metrics path %q is outside %s", path, config.InternalPrefix)
		}
		rt.Handler(http.MethodGet, path, g.metrics.Handler())
	}

	rt.NotFound = http.HandlerFunc(g.serveStrategy)
	g.router = rt
	return nil
}

// serveStrategy hands everything the router did not match to the mode
// strategy, except stray methods under the plugin assets prefix.
func (g *Gateway) serveStrategy(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, PluginAssetsPrefix+"/") {
		errors.Respond(w, errors.ErrNotFound)
		return
	}
	g.strategy.ServeHTTP(w, r)
}

// Handler returns the main HTTP handler
func (g *Gateway) Handler() http.Handler {
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(g.tracer.Middleware()).
		UseIf(g.config.Logging.AccessLog, middleware.Logging()).
		UseIf(g.metrics != nil, middleware.Metrics(g.metrics, string(g.config.Mode))).
		Handler(g.router)
}

type healthResponse struct {
	Status          string                 `json:"status"`
	Mode            config.Mode            `json:"mode"`
	PluginLoaded    bool                   `json:"plugin_loaded"`
	PluginDigest    string                 `json:"plugin_digest,omitempty"`
	PluginChangedAt string                 `json:"plugin_changed_at,omitempty"`
	Uptime          string                 `json:"uptime"`
	Stats           map[string]interface{} `json:"stats"`
}

// handleHealth reports liveness and whether the plugin file is readable
// right now. It always answers 200; a missing plugin is not fatal.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := g.plugin.Info()
	resp := healthResponse{
		Status:       "ok",
		Mode:         g.config.Mode,
		PluginLoaded: info.Available,
		PluginDigest: info.Digest,
		Uptime:       time.Since(g.startTime).Round(time.Second).String(),
		Stats:        g.strategy.Stats(),
	}
	if t := g.pluginChangedAt.Load(); t != nil {
		resp.PluginChangedAt = t.Format(time.RFC3339)
	}
	writeJSON(w, resp)
}

func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.config.Snapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// PluginChanged records a plugin file change reported by the watcher.
func (g *Gateway) PluginChanged(info plugin.Info) {
	now := time.Now()
	g.pluginChangedAt.Store(&now)
}

// Plugin returns the plugin source shared by both strategies.
func (g *Gateway) Plugin() *plugin.Source {
	return g.plugin
}

// Metrics returns the collector, or nil when metrics are disabled.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Close flushes and stops the tracer.
func (g *Gateway) Close(ctx context.Context) error {
	return g.tracer.Close(ctx)
}
