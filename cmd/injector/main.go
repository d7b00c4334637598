package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/injector/internal/config"
	"github.com/wudi/injector/internal/gateway"
	"github.com/wudi/injector/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// cliFlags holds the command line. Values override the config file only
// when the flag was given explicitly.
type cliFlags struct {
	fs *flag.FlagSet

	configPath   string
	mode         string
	staticPath   string
	targetURL    string
	pluginPath   string
	pluginAssets string
	host         string
	port         int
	logLevel     string
	timeout      time.Duration
	pluginCache  bool
	showVersion  bool
}

func newFlags(output io.Writer) *cliFlags {
	def := config.Default()
	f := &cliFlags{fs: flag.NewFlagSet("injector", flag.ContinueOnError)}
	f.fs.SetOutput(output)

	f.fs.StringVar(&f.configPath, "config", "", "Path to an optional YAML configuration file")
	f.fs.StringVar(&f.mode, "mode", string(def.Mode), "Serving mode: static or proxy")
	f.fs.StringVar(&f.staticPath, "static-path", "", "Directory of built front-end files (static mode)")
	f.fs.StringVar(&f.targetURL, "target-url", "", "Upstream origin, e.g. http://localhost:3000 (proxy mode)")
	f.fs.StringVar(&f.pluginPath, "plugin-path", def.PluginPath, "Plugin script injected into entry documents")
	f.fs.StringVar(&f.pluginAssets, "plugin-assets", "", "Directory served under /sdm-plugins/ (default: plugin directory)")
	f.fs.StringVar(&f.host, "host", def.Host, "Listen host")
	f.fs.IntVar(&f.port, "port", def.Port, "Listen port")
	f.fs.StringVar(&f.logLevel, "log-level", def.Logging.Level, "Log level: debug, info, warn, error")
	f.fs.DurationVar(&f.timeout, "timeout", def.Proxy.Timeout, "Upstream connect, header and idle timeout (proxy mode)")
	f.fs.BoolVar(&f.pluginCache, "plugin-cache", def.Plugin.Cache, "Cache plugin content until the file changes")
	f.fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	return f
}

// apply copies explicitly set flags onto cfg.
func (f *cliFlags) apply(cfg *config.Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "mode":
			cfg.Mode = config.Mode(f.mode)
		case "static-path":
			cfg.StaticPath = f.staticPath
		case "target-url":
			cfg.TargetURL = f.targetURL
		case "plugin-path":
			cfg.PluginPath = f.pluginPath
		case "plugin-assets":
			cfg.PluginAssetsDir = f.pluginAssets
		case "host":
			cfg.Host = f.host
		case "port":
			cfg.Port = f.port
		case "log-level":
			cfg.Logging.Level = f.logLevel
		case "timeout":
			cfg.Proxy.Timeout = f.timeout
		case "plugin-cache":
			cfg.Plugin.Cache = f.pluginCache
		}
	})
}

// loadConfig parses args, reads the config file when given and applies
// flag overrides. The result is not validated.
func loadConfig(args []string, output io.Writer) (*config.Config, *cliFlags, error) {
	f := newFlags(output)
	if err := f.fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if f.showVersion {
		return nil, f, nil
	}

	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.NewLoader().Load(f.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}
	f.apply(cfg)
	return cfg, f, nil
}

func main() {
	cfg, f, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if f.showVersion {
		fmt.Printf("injector %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Initialize structured logger
	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := cfg.Validate(); err != nil {
		logging.Error("Invalid configuration", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	// Print startup banner
	logging.Info("Starting injector",
		zap.String("version", version),
		zap.String("mode", string(cfg.Mode)),
		zap.String("addr", cfg.Addr()),
		zap.String("plugin", cfg.PluginPath),
		zap.String("config", f.configPath),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	if err := server.Run(context.Background()); err != nil {
		logging.Error("Server error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
