package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. The result is not validated;
// callers apply command line overrides first and then call Validate.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Mode = Mode(strings.ToLower(string(cfg.Mode)))

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// ValidationError reports a configuration that the gateway refuses to start with.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks that the configuration is complete and that the paths it
// references exist. Only the source selected by Mode is checked.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeStatic:
		if c.StaticPath == "" {
			return invalid("static-path", "required when mode=static")
		}
		info, err := os.Stat(c.StaticPath)
		if err != nil {
			return invalid("static-path", "directory %q does not exist", c.StaticPath)
		}
		if !info.IsDir() {
			return invalid("static-path", "%q is not a directory", c.StaticPath)
		}
	case ModeProxy:
		if c.TargetURL == "" {
			return invalid("target-url", "required when mode=proxy")
		}
		u, err := url.Parse(c.TargetURL)
		if err != nil {
			return invalid("target-url", "%v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return invalid("target-url", "scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return invalid("target-url", "missing host in %q", c.TargetURL)
		}
		if c.Proxy.Timeout <= 0 {
			return invalid("proxy.timeout", "must be positive, got %s", c.Proxy.Timeout)
		}
	default:
		return invalid("mode", "must be %q or %q, got %q", ModeStatic, ModeProxy, c.Mode)
	}

	if c.PluginPath == "" {
		return invalid("plugin-path", "required")
	}
	info, err := os.Stat(c.PluginPath)
	if err != nil {
		return invalid("plugin-path", "plugin file %q does not exist", c.PluginPath)
	}
	if !info.Mode().IsRegular() {
		return invalid("plugin-path", "%q is not a regular file", c.PluginPath)
	}

	if c.Port < 1 || c.Port > 65535 {
		return invalid("port", "must be between 1 and 65535, got %d", c.Port)
	}
	if c.Plugin.Cache && c.Plugin.CacheSize < 0 {
		return invalid("plugin.cache_size", "must not be negative")
	}
	if c.Metrics.Enabled && (!strings.HasPrefix(c.Metrics.Path, InternalPrefix) || len(c.Metrics.Path) == len(InternalPrefix)) {
		return invalid("metrics.path", "must be under %s, got %q", InternalPrefix, c.Metrics.Path)
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return invalid("tracing.sample_rate", "must be within [0, 1], got %g", c.Tracing.SampleRate)
	}
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
