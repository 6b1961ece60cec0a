// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/streamgate/config.toml",
	"configs/config.toml",
}

// reservedPaths are routes served by the gateway itself; the metrics endpoint
// may not shadow them.
var reservedPaths = []string{"/healthz", "/gateway/status", "/gateway/routes"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Routes   []RouteConfig  `toml:"route"`
	Upstream UpstreamConfig `toml:"upstream"`
	Breaker  BreakerConfig  `toml:"breaker"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RouteConfig declares one forwarding rule. Rules are evaluated in the order
// they appear in the config file; the first prefix match wins.
type RouteConfig struct {
	MatchPrefix   string `toml:"match_prefix"`
	TargetBaseURL string `toml:"target_base_url"`

	// RewriteFrom/RewriteTo replace a path prefix on the outbound request
	// line. RewriteFrom defaults to MatchPrefix when only RewriteTo is set.
	RewriteFrom string `toml:"rewrite_from"`
	RewriteTo   string `toml:"rewrite_to"`

	// Zero means "inherit the [upstream] defaults".
	ConnectTimeoutMs int `toml:"connect_timeout_ms"`
	TotalTimeoutMs   int `toml:"total_timeout_ms"`
}

// UpstreamConfig holds default outbound connection settings, applied to any
// route that does not override them.
type UpstreamConfig struct {
	ConnectTimeoutMs int `toml:"connect_timeout_ms"`
	TotalTimeoutMs   int `toml:"total_timeout_ms"`
	IdleConnections  int `toml:"idle_connections"`
}

// BreakerConfig controls the per-route circuit breaker on the outbound leg.
type BreakerConfig struct {
	Enabled       bool `toml:"enabled"`
	MinRequests   int  `toml:"min_requests"`
	OpenTimeoutMs int  `toml:"open_timeout_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/streamgate/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	for i := range c.Routes {
		if err := c.Routes[i].validate(); err != nil {
			return fmt.Errorf("route[%d]: %w", i, err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.ConnectTimeoutMs < 0 {
		return fmt.Errorf("upstream.connect_timeout_ms must be non-negative; got %d", c.Upstream.ConnectTimeoutMs)
	}
	if c.Upstream.TotalTimeoutMs < 0 {
		return fmt.Errorf("upstream.total_timeout_ms must be non-negative; got %d", c.Upstream.TotalTimeoutMs)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Breaker.Enabled {
		if c.Breaker.MinRequests < 0 {
			return fmt.Errorf("breaker.min_requests must be non-negative; got %d", c.Breaker.MinRequests)
		}
		if c.Breaker.OpenTimeoutMs < 0 {
			return fmt.Errorf("breaker.open_timeout_ms must be non-negative; got %d", c.Breaker.OpenTimeoutMs)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (r *RouteConfig) validate() error {
	if r.MatchPrefix == "" || r.MatchPrefix[0] != '/' {
		return fmt.Errorf("match_prefix must start with '/'; got %q", r.MatchPrefix)
	}
	if r.TargetBaseURL == "" {
		return fmt.Errorf("target_base_url is required")
	}
	u, err := url.Parse(r.TargetBaseURL)
	if err != nil {
		return fmt.Errorf("target_base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target_base_url must use http or https; got %q", r.TargetBaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("target_base_url has no host; got %q", r.TargetBaseURL)
	}
	if r.RewriteFrom != "" && r.RewriteFrom[0] != '/' {
		return fmt.Errorf("rewrite_from must start with '/'; got %q", r.RewriteFrom)
	}
	if r.RewriteTo != "" && r.RewriteTo[0] != '/' {
		return fmt.Errorf("rewrite_to must start with '/'; got %q", r.RewriteTo)
	}
	if r.RewriteFrom != "" && r.RewriteTo == "" {
		return fmt.Errorf("rewrite_from is set but rewrite_to is empty")
	}
	if r.ConnectTimeoutMs < 0 {
		return fmt.Errorf("connect_timeout_ms must be non-negative; got %d", r.ConnectTimeoutMs)
	}
	if r.TotalTimeoutMs < 0 {
		return fmt.Errorf("total_timeout_ms must be non-negative; got %d", r.TotalTimeoutMs)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1 * 1024 * 1024 // 1 MB, local routes only
	}
	if c.Upstream.ConnectTimeoutMs == 0 {
		c.Upstream.ConnectTimeoutMs = 30_000
	}
	if c.Upstream.TotalTimeoutMs == 0 {
		c.Upstream.TotalTimeoutMs = 120_000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Breaker.MinRequests == 0 {
		c.Breaker.MinRequests = 5
	}
	if c.Breaker.OpenTimeoutMs == 0 {
		c.Breaker.OpenTimeoutMs = 30_000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ConnectTimeout returns the effective connect timeout for a route.
func (c *Config) ConnectTimeout(r *RouteConfig) time.Duration {
	ms := r.ConnectTimeoutMs
	if ms == 0 {
		ms = c.Upstream.ConnectTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// TotalTimeout returns the effective total timeout for a route.
func (c *Config) TotalTimeout(r *RouteConfig) time.Duration {
	ms := r.TotalTimeoutMs
	if ms == 0 {
		ms = c.Upstream.TotalTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
