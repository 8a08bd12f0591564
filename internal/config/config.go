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

	"slimweb/bytestream"
	"slimweb/client"
	"slimweb/conn"
	"slimweb/deadline"
	"slimweb/wire"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/slimweb/config.toml",
	"configs/config.toml",
}

// CLI holds command-line overrides parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat   string `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
	MaxWorkers  int64  `kong:"help='Concurrent connection limit (overrides config).',env='MAX_WORKERS'"`
	Compression bool   `kong:"help='Enable gzip content coding (overrides config).',env='COMPRESSION'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Limits   LimitsConfig   `toml:"limits"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Client   ClientConfig   `toml:"client"`
	Forward  ForwardConfig  `toml:"forward"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds engine server settings.
type ServerConfig struct {
	Host             string  `toml:"host"`
	Port             int     `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	TLSCertFile      string  `toml:"tls_cert_file"`
	TLSKeyFile       string  `toml:"tls_key_file"`
	Compression      bool    `toml:"compression"`
	CompressionLevel int     `toml:"compression_level"`
	MaxWorkers       int64   `toml:"max_workers"`
	AcceptRate       float64 `toml:"accept_rate"`
	AcceptBurst      int     `toml:"accept_burst"`
	MaxExchanges     int     `toml:"max_exchanges"`
	DrainLimit       int64   `toml:"drain_limit"`
	ChunkSize        int     `toml:"chunk_size"`
}

// LimitsConfig bounds what a peer may send.
type LimitsConfig struct {
	MaxLineBytes   int   `toml:"max_line_bytes"`
	MaxHeaderBytes int   `toml:"max_header_bytes"`
	MaxHeaderCount int   `toml:"max_header_count"`
	MaxChunkSize   int64 `toml:"max_chunk_size"`
	MaxBodyBytes   int64 `toml:"max_body_bytes"`
}

// TimeoutsConfig holds the per-phase deadline budgets in milliseconds.
type TimeoutsConfig struct {
	HeaderMS   int64 `toml:"header_ms"`
	BodyMS     int64 `toml:"body_ms"`
	WriteMS    int64 `toml:"write_ms"`
	IdleMS     int64 `toml:"idle_ms"`
	ContinueMS int64 `toml:"continue_ms"`
}

// ClientConfig holds settings for outgoing requests.
type ClientConfig struct {
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	UserAgent          string `toml:"user_agent"`
	Compression        bool   `toml:"compression"`
	ChunkSize          int    `toml:"chunk_size"`
}

// ForwardConfig routes a path prefix of the engine to an upstream server.
type ForwardConfig struct {
	Enabled   bool   `toml:"enabled"`
	Prefix    string `toml:"prefix"`
	BaseURL   string `toml:"base_url"`
	TimeoutMS int64  `toml:"timeout_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds the admin plane settings: health, status and
// Prometheus metrics on a separate listener.
type MetricsConfig struct {
	Enabled   bool    `toml:"enabled"`
	Addr      string  `toml:"addr"`
	Path      string  `toml:"path"`
	RateLimit float64 `toml:"rate_limit"` // requests per second per client IP; 0 disables
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/slimweb/config.toml then configs/config.toml.
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
	return cfg.finish(cli)
}

// LoadOrDefault is like Load but falls back to the built-in defaults when no
// config file was named and none is found.
func LoadOrDefault(cli *CLI) (*Config, error) {
	if cli.Config != "" || findConfig() != "" {
		return Load(cli)
	}
	var cfg Config
	return cfg.finish(cli)
}

func (c *Config) finish(cli *CLI) (*Config, error) {
	c.applyCLI(cli)
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	c.setDefaults()
	return c, nil
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
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
	if cli.MaxWorkers != 0 {
		c.Server.MaxWorkers = cli.MaxWorkers
	}
	if cli.Compression {
		c.Server.Compression = true
		c.Client.Compression = true
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if l := c.Server.CompressionLevel; l < -3 || l > 9 {
		return fmt.Errorf("server.compression_level must be between -3 and 9; got %d", l)
	}
	if c.Metrics.RateLimit < 0 {
		return fmt.Errorf("metrics.rate_limit must be non-negative; got %v", c.Metrics.RateLimit)
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("server.accept_rate must be non-negative; got %v", c.Server.AcceptRate)
	}
	for name, v := range map[string]int64{
		"server.max_workers":      c.Server.MaxWorkers,
		"server.accept_burst":     int64(c.Server.AcceptBurst),
		"server.max_exchanges":    int64(c.Server.MaxExchanges),
		"server.drain_limit":      c.Server.DrainLimit,
		"server.chunk_size":       int64(c.Server.ChunkSize),
		"limits.max_line_bytes":   int64(c.Limits.MaxLineBytes),
		"limits.max_header_bytes": int64(c.Limits.MaxHeaderBytes),
		"limits.max_header_count": int64(c.Limits.MaxHeaderCount),
		"limits.max_chunk_size":   c.Limits.MaxChunkSize,
		"limits.max_body_bytes":   c.Limits.MaxBodyBytes,
		"timeouts.header_ms":      c.Timeouts.HeaderMS,
		"timeouts.body_ms":        c.Timeouts.BodyMS,
		"timeouts.write_ms":       c.Timeouts.WriteMS,
		"timeouts.idle_ms":        c.Timeouts.IdleMS,
		"timeouts.continue_ms":    c.Timeouts.ContinueMS,
		"client.chunk_size":       int64(c.Client.ChunkSize),
		"forward.timeout_ms":      c.Forward.TimeoutMS,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Limits.MaxLineBytes > 0 && c.Limits.MaxHeaderBytes > 0 && c.Limits.MaxLineBytes > c.Limits.MaxHeaderBytes {
		return fmt.Errorf("limits.max_line_bytes (%d) exceeds limits.max_header_bytes (%d)", c.Limits.MaxLineBytes, c.Limits.MaxHeaderBytes)
	}

	// Forwarding target.
	if c.Forward.Enabled {
		if c.Forward.BaseURL == "" {
			return fmt.Errorf("forward.base_url is required when forwarding is enabled")
		}
		u, err := url.Parse(c.Forward.BaseURL)
		if err != nil {
			return fmt.Errorf("forward.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("forward.base_url must use http or https; got %q", c.Forward.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("forward.base_url has no host: %q", c.Forward.BaseURL)
		}
		if p := c.Forward.Prefix; p != "" && (!strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/")) {
			return fmt.Errorf("forward.prefix must start and end with '/'; got %q", p)
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

	// Admin plane path validation (only when enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxWorkers == 0 {
		c.Server.MaxWorkers = 1024
	}
	if c.Server.DrainLimit == 0 {
		c.Server.DrainLimit = 64 << 10
	}
	if c.Server.ChunkSize == 0 {
		c.Server.ChunkSize = wire.DefaultChunkSize
	}

	limits := wire.DefaultLimits()
	if c.Limits.MaxLineBytes == 0 {
		c.Limits.MaxLineBytes = limits.MaxLineBytes
	}
	if c.Limits.MaxHeaderBytes == 0 {
		c.Limits.MaxHeaderBytes = limits.MaxHeaderBytes
	}
	if c.Limits.MaxHeaderCount == 0 {
		c.Limits.MaxHeaderCount = limits.MaxHeaderCount
	}
	if c.Limits.MaxChunkSize == 0 {
		c.Limits.MaxChunkSize = limits.MaxChunkSize
	}
	if c.Limits.MaxBodyBytes == 0 {
		c.Limits.MaxBodyBytes = 10 << 20 // 10 MiB
	}

	if c.Timeouts.HeaderMS == 0 {
		c.Timeouts.HeaderMS = 10_000
	}
	if c.Timeouts.BodyMS == 0 {
		c.Timeouts.BodyMS = 30_000
	}
	if c.Timeouts.WriteMS == 0 {
		c.Timeouts.WriteMS = 30_000
	}
	if c.Timeouts.IdleMS == 0 {
		c.Timeouts.IdleMS = 60_000
	}
	if c.Timeouts.ContinueMS == 0 {
		c.Timeouts.ContinueMS = 1_000
	}

	if c.Client.UserAgent == "" {
		c.Client.UserAgent = client.DefaultUserAgent
	}
	if c.Client.ChunkSize == 0 {
		c.Client.ChunkSize = wire.DefaultChunkSize
	}

	if c.Forward.Prefix == "" {
		c.Forward.Prefix = "/upstream/"
	}
	if c.Forward.TimeoutMS == 0 {
		c.Forward.TimeoutMS = 30_000
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
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

// Budget returns the per-phase deadline budget.
func (c *Config) Budget() deadline.Budget {
	ms := func(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
	return deadline.Budget{
		Header:   ms(c.Timeouts.HeaderMS),
		Body:     ms(c.Timeouts.BodyMS),
		Write:    ms(c.Timeouts.WriteMS),
		Idle:     ms(c.Timeouts.IdleMS),
		Continue: ms(c.Timeouts.ContinueMS),
	}
}

// Engine returns the connection policy for the server. Logger and Observer
// are left for the caller to attach.
func (c *Config) Engine() conn.Config {
	return conn.Config{
		Limits: wire.Limits{
			MaxLineBytes:   c.Limits.MaxLineBytes,
			MaxHeaderBytes: c.Limits.MaxHeaderBytes,
			MaxHeaderCount: c.Limits.MaxHeaderCount,
			MaxChunkSize:   c.Limits.MaxChunkSize,
		},
		Budget:           c.Budget(),
		MaxBodyBytes:     c.Limits.MaxBodyBytes,
		DrainLimit:       c.Server.DrainLimit,
		MaxExchanges:     c.Server.MaxExchanges,
		ChunkSize:        c.Server.ChunkSize,
		Compression:      c.Server.Compression,
		CompressionLevel: c.Server.CompressionLevel,
	}
}

// ServerTLS returns the TLS provider for the engine listener, or nil when
// no certificate is configured.
func (c *Config) ServerTLS() (*bytestream.TLSProvider, error) {
	if c.Server.TLSCertFile == "" {
		return nil, nil
	}
	return bytestream.NewTLSProvider(bytestream.TLSOptions{
		CertFile: c.Server.TLSCertFile,
		KeyFile:  c.Server.TLSKeyFile,
	})
}

// Client returns options for an outgoing client. Roots come from
// client.ca_file, or from the system pool when none is given.
func (c *Config) Client(logger *slog.Logger) (client.Options, error) {
	tlsp, err := bytestream.NewTLSProvider(bytestream.TLSOptions{
		CAFile:             c.Client.CAFile,
		UseSystemRoots:     c.Client.CAFile == "",
		InsecureSkipVerify: c.Client.InsecureSkipVerify,
	})
	if err != nil {
		return client.Options{}, fmt.Errorf("config: client tls: %w", err)
	}
	engine := c.Engine()
	engine.MaxBodyBytes = 0
	engine.Compression = c.Client.Compression
	engine.ChunkSize = c.Client.ChunkSize
	return client.Options{
		Config:    engine,
		TLS:       tlsp,
		UserAgent: c.Client.UserAgent,
		KeepAlive: 30 * time.Second,
		Logger:    logger,
	}, nil
}

// WarnPermissions logs a warning if the config file or the TLS private key
// is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	for _, path := range []string{c.filePath, c.Server.TLSKeyFile} {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			logger.Warn("file is readable by group/others; consider chmod 600",
				"path", path,
				"mode", fmt.Sprintf("%04o", perm),
			)
		}
	}
}
