// ABOUTME: Configuration loading and parsing for coven-endpoint
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultPort            = 443
	DefaultSource          = "endpoint"
	DefaultBufferSize      = 256
	DefaultOverflowPolicy  = "drop_oldest"
	DefaultDuplicatePolicy = "reject"
	DefaultMetricsPath     = "/metrics"

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultInitTimeout      = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
)

// Config represents the complete coven-endpoint configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Hub       HubConfig       `yaml:"hub"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Features  FeaturesConfig  `yaml:"features"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	// Port is the TLS port agents connect to.
	Port int `yaml:"port"`

	// Source is stamped as source.id on envelopes the endpoint emits.
	Source string `yaml:"source"`

	// HTTPAddr serves health, metrics, and the read-only API. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`
}

// TLSConfig holds the listener's certificate material
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"` // enables mTLS when set
	MinVersion   string `yaml:"min_version"`
}

// HubConfig holds fan-in, registry, and lifecycle settings
type HubConfig struct {
	BufferSize      int    `yaml:"buffer_size"`
	OverflowPolicy  string `yaml:"overflow_policy"`  // drop_oldest, close
	DuplicatePolicy string `yaml:"duplicate_policy"` // reject, replace

	HandshakeTimeout time.Duration `yaml:"-"`
	InitTimeout      time.Duration `yaml:"-"`
	ShutdownTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	InitTimeoutRaw      string `yaml:"init_timeout"`
	ShutdownTimeoutRaw  string `yaml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds the connection ledger location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// FeaturesConfig toggles the built-in features
type FeaturesConfig struct {
	Ping FeatureToggle `yaml:"ping"`
	Tap  FeatureToggle `yaml:"tap"`
}

// FeatureToggle enables or disables one built-in feature
type FeatureToggle struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Source == "" {
		c.Server.Source = DefaultSource
	}
	if c.Hub.BufferSize == 0 {
		c.Hub.BufferSize = DefaultBufferSize
	}
	if c.Hub.OverflowPolicy == "" {
		c.Hub.OverflowPolicy = DefaultOverflowPolicy
	}
	if c.Hub.DuplicatePolicy == "" {
		c.Hub.DuplicatePolicy = DefaultDuplicatePolicy
	}
	if c.Hub.HandshakeTimeout == 0 {
		c.Hub.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Hub.InitTimeout == 0 {
		c.Hub.InitTimeout = DefaultInitTimeout
	}
	if c.Hub.ShutdownTimeout == 0 {
		c.Hub.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	// The endpoint terminates TLS itself, tailscale or not
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return fmt.Errorf("tls.cert_file and tls.key_file are required")
	}
	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("tls.min_version must be 1.2 or 1.3, got %q", c.TLS.MinVersion)
	}

	if c.Hub.BufferSize < 1 {
		return fmt.Errorf("hub.buffer_size must be positive")
	}
	switch c.Hub.OverflowPolicy {
	case "drop_oldest", "close":
	default:
		return fmt.Errorf("hub.overflow_policy must be drop_oldest or close, got %q", c.Hub.OverflowPolicy)
	}
	switch c.Hub.DuplicatePolicy {
	case "reject", "replace":
	default:
		return fmt.Errorf("hub.duplicate_policy must be reject or replace, got %q", c.Hub.DuplicatePolicy)
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake_timeout", cfg.Hub.HandshakeTimeoutRaw, &cfg.Hub.HandshakeTimeout},
		{"init_timeout", cfg.Hub.InitTimeoutRaw, &cfg.Hub.InitTimeout},
		{"shutdown_timeout", cfg.Hub.ShutdownTimeoutRaw, &cfg.Hub.ShutdownTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
