package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/injector/internal/config"
	"github.com/wudi/injector/internal/logging"
	"github.com/wudi/injector/internal/plugin"
)

// ShutdownTimeout bounds graceful shutdown of in-flight requests.
const ShutdownTimeout = 30 * time.Second

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway  *Gateway
	config   *config.Config
	server   *http.Server
	listener net.Listener
	watcher  *plugin.Watcher
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		config:  cfg,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}

	if cfg.Plugin.Watch {
		w, err := plugin.NewWatcher(gw.Plugin())
		if err != nil {
			logging.Warn("Plugin watcher unavailable", zap.Error(err))
		} else {
			w.OnChange(gw.PluginChanged)
			s.watcher = w
		}
	}

	return s, nil
}

// Listen binds the listen address. Run calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Injector listening",
			zap.String("addr", s.listener.Addr().String()),
			zap.String("mode", string(s.config.Mode)),
		)
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			// Losing the watcher only costs cache freshness and change logs.
			if err := s.watcher.Run(gctx); err != nil {
				logging.Warn("Plugin watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return s.Shutdown(ShutdownTimeout)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if err != nil {
		logging.Error("HTTP server shutdown error", zap.Error(err))
	}
	if cerr := s.gateway.Close(ctx); cerr != nil {
		logging.Error("Tracer shutdown error", zap.Error(cerr))
	}

	logging.Info("Server shutdown complete")
	return err
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}
