// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/transit-gateway/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream string `kong:"help='Base URL for a catch-all default target; lets the gateway run without a config file.',env='UPSTREAM_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig   `toml:"server"`
	Client  ClientConfig   `toml:"client"`
	Targets []TargetConfig `toml:"target"`
	Log     LogConfig      `toml:"log"`
	Metrics MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ClientConfig holds outbound connection pool settings shared by all targets.
type ClientConfig struct {
	IdleConnections int `toml:"idle_connections"`
}

// TargetConfig describes one upstream target. Requests are routed to the
// target whose prefix is the longest match for the request path.
type TargetConfig struct {
	ID               string `toml:"id"`
	Prefix           string `toml:"prefix"`
	BaseURL          string `toml:"base_url"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	Retries          int    `toml:"retries"`
	RetryDelayMillis int    `toml:"retry_delay_ms"`
	RetryUnsafe      bool   `toml:"retry_unsafe"`
	CacheTTLSeconds  int    `toml:"cache_ttl_seconds"`
}

// Timeout returns the per-call upstream timeout.
func (t *TargetConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay between retry attempts.
func (t *TargetConfig) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelayMillis) * time.Millisecond
}

// CacheTTL returns how long successful idempotent responses may be served
// from cache. Zero disables caching for the target.
func (t *TargetConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
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
// /etc/transit-gateway/config.toml then configs/config.toml. If no file exists
// but --upstream (UPSTREAM_URL) is set, the gateway runs with a single
// synthesized catch-all target.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	} else if cli.Upstream == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v) and no --upstream given", configSearchPaths)
	}

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
	if cli.Upstream != "" && !c.hasCatchAll() {
		// Appended last so explicitly configured prefixes always win the
		// longest-match tie-break.
		c.Targets = append(c.Targets, TargetConfig{
			ID:      "default",
			Prefix:  "/",
			BaseURL: cli.Upstream,
		})
	}
}

func (c *Config) hasCatchAll() bool {
	for _, t := range c.Targets {
		if t.Prefix == "/" {
			return true
		}
	}
	return false
}

// targetIDPattern restricts target ids to safe metric-label characters.
var targetIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func (c *Config) validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one [[target]] is required")
	}

	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if err := t.validate(); err != nil {
			return fmt.Errorf("target[%d] (%s): %w", i, t.ID, err)
		}
		if seen[t.ID] {
			return fmt.Errorf("target[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Client.IdleConnections < 0 {
		return fmt.Errorf("client.idle_connections must be non-negative; got %d", c.Client.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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
		for _, reserved := range []string{"/healthz", "/gateway/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (t *TargetConfig) validate() error {
	if err := validation.ValidateStruct(t,
		validation.Field(&t.ID, validation.Required, validation.Match(targetIDPattern)),
		validation.Field(&t.Prefix, validation.Required, validation.By(validatePrefix)),
		validation.Field(&t.BaseURL, validation.Required, is.RequestURL),
		validation.Field(&t.TimeoutSeconds, validation.Min(0)),
		validation.Field(&t.Retries, validation.Min(0), validation.Max(10)),
		validation.Field(&t.RetryDelayMillis, validation.Min(0)),
		validation.Field(&t.CacheTTLSeconds, validation.Min(0)),
	); err != nil {
		return err
	}

	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https; got %q", t.BaseURL)
	}
	return nil
}

func validatePrefix(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_prefix", "must start with '/'")
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return validation.NewError("validation_prefix", "must not end with '/'")
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Client.IdleConnections == 0 {
		c.Client.IdleConnections = 100
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.TimeoutSeconds == 0 {
			t.TimeoutSeconds = 30
		}
		if t.RetryDelayMillis == 0 {
			t.RetryDelayMillis = 250
		}
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
