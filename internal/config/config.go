package config

import (
	"net/url"
	"path/filepath"
	"time"
)

// Mode selects how the gateway obtains the application it serves.
type Mode string

const (
	ModeStatic Mode = "static"
	ModeProxy  Mode = "proxy"
)

// DefaultPluginPath is the plugin injected when none is configured.
const DefaultPluginPath = "plugins/auto-login-plugin.js"

// InternalPrefix reserves a path namespace for gateway endpoints that must
// not shadow application routes.
const InternalPrefix = "/__injector/"

// Config represents the complete gateway configuration.
// It is built once at startup and treated as read-only afterwards.
type Config struct {
	Mode            Mode          `yaml:"mode"`
	StaticPath      string        `yaml:"static_path"` // mode=static
	TargetURL       string        `yaml:"target_url"`  // mode=proxy
	PluginPath      string        `yaml:"plugin_path"`
	PluginAssetsDir string        `yaml:"plugin_assets"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Proxy           ProxyConfig   `yaml:"proxy"`
	Plugin          PluginConfig  `yaml:"plugin"`
	Logging         LoggingConfig `yaml:"logging"`
	Metrics         MetricsConfig `yaml:"metrics"`
	Tracing         TracingConfig `yaml:"tracing"`
}

// ProxyConfig tunes the upstream relay in proxy mode.
type ProxyConfig struct {
	Timeout       time.Duration `yaml:"timeout"`        // connect, header and idle-read timeout (default 30s)
	FlushInterval time.Duration `yaml:"flush_interval"` // 0 = flush only event streams
}

// PluginConfig controls how the plugin file is read.
type PluginConfig struct {
	Cache     bool `yaml:"cache"`      // cache content keyed by (path, mtime)
	Watch     bool `yaml:"watch"`      // watch the plugin file and log changes
	CacheSize int  `yaml:"cache_size"` // LRU capacity (default 8)
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Output    string            `yaml:"output"`
	AccessLog bool              `yaml:"access_log"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig defines OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Mode:       ModeStatic,
		PluginPath: DefaultPluginPath,
		Host:       "0.0.0.0",
		Port:       8080,
		Proxy: ProxyConfig{
			Timeout: 30 * time.Second,
		},
		Plugin: PluginConfig{
			Watch:     true,
			CacheSize: 8,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Output:    "stderr",
			AccessLog: true,
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    InternalPrefix + "metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "injector",
			SampleRate:  1.0,
		},
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

// AssetsDir returns the plugin assets directory, defaulting to the
// directory that holds the plugin file.
func (c *Config) AssetsDir() string {
	if c.PluginAssetsDir != "" {
		return c.PluginAssetsDir
	}
	return filepath.Dir(c.PluginPath)
}

// Target returns the parsed upstream origin. Only meaningful in proxy mode
// after Validate has succeeded.
func (c *Config) Target() *url.URL {
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return nil
	}
	return u
}

// Snapshot is the JSON view of the configuration served by /config.
type Snapshot struct {
	Mode            Mode    `json:"mode"`
	StaticPath      string  `json:"static_path,omitempty"`
	TargetURL       string  `json:"target_url,omitempty"`
	PluginPath      string  `json:"plugin_path"`
	PluginAssetsDir string  `json:"plugin_assets"`
	Host            string  `json:"host"`
	Port            int     `json:"port"`
	ProxyTimeout    string  `json:"proxy_timeout,omitempty"`
	PluginCache     bool    `json:"plugin_cache"`
	LogLevel        string  `json:"log_level"`
	MetricsPath     string  `json:"metrics_path,omitempty"`
	Tracing         bool    `json:"tracing"`
	SampleRate      float64 `json:"sample_rate,omitempty"`
}

// Snapshot returns the non-secret fields of c. Credentials embedded in the
// target URL are redacted and tracing headers are omitted.
func (c *Config) Snapshot() Snapshot {
	s := Snapshot{
		Mode:            c.Mode,
		PluginPath:      c.PluginPath,
		PluginAssetsDir: c.AssetsDir(),
		Host:            c.Host,
		Port:            c.Port,
		PluginCache:     c.Plugin.Cache,
		LogLevel:        c.Logging.Level,
		Tracing:         c.Tracing.Enabled,
	}
	switch c.Mode {
	case ModeStatic:
		s.StaticPath = c.StaticPath
	case ModeProxy:
		s.TargetURL = redactURL(c.TargetURL)
		s.ProxyTimeout = c.Proxy.Timeout.String()
	}
	if c.Metrics.Enabled {
		s.MetricsPath = c.Metrics.Path
	}
	if c.Tracing.Enabled {
		s.SampleRate = c.Tracing.SampleRate
	}
	return s
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
