// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RPC       RPCConfig       `yaml:"rpc" toml:"rpc"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Extension ExtensionConfig `yaml:"extension" toml:"extension"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// WSPath is where peers connect, defaults to /ws
	WSPath string `yaml:"ws_path" toml:"ws_path"`
}

// StorageConfig selects the storage backend and the areas the relay uses
type StorageConfig struct {
	// Backend is one of sqlite, sqlite3, leveldb or memory
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
	// ReadyArea holds the readiness stamp, OptionsArea the options record
	ReadyArea   string `yaml:"ready_area" toml:"ready_area"`
	OptionsArea string `yaml:"options_area" toml:"options_area"`

	PollInterval    time.Duration `yaml:"-" toml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval" toml:"poll_interval"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs peer tokens. Empty disables peer authentication.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// RPCConfig holds message bus configuration
type RPCConfig struct {
	// Timeout bounds each call made by relay clients. Zero waits forever.
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`

	// PeerTimeout bounds a single websocket hop
	PeerTimeout    time.Duration `yaml:"-" toml:"-"`
	PeerTimeoutRaw string        `yaml:"peer_timeout" toml:"peer_timeout"`

	SilentMethods []string `yaml:"silent_methods" toml:"silent_methods"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ExtensionConfig describes the build the relay serves
type ExtensionConfig struct {
	// Version is written as the readiness stamp once migrations finish
	Version string `yaml:"version" toml:"version"`
}

var validBackends = []string{"sqlite", "sqlite3", "leveldb", "memory"}

var validAreas = []string{"local", "sync", "session"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format is the encoding of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes, defaults and validates configuration data.
func Parse(data []byte, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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

// Encode renders the configuration in the given format.
func (c *Config) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		return buf.Bytes(), nil
	default:
		out, err := yaml.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		return out, nil
	}
}

// Write encodes the configuration to path, choosing the format from its extension.
func (c *Config) Write(path string) error {
	data, err := c.Encode(formatOf(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// the file may hold the jwt secret
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
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
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8787"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.ReadyArea == "" {
		c.Storage.ReadyArea = "local"
	}
	if c.Storage.OptionsArea == "" {
		c.Storage.OptionsArea = "sync"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
		c.Auth.TokenTTLRaw = "24h"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Extension.Version == "" {
		c.Extension.Version = "0.0.0-dev"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}

	if !lo.Contains(validBackends, c.Storage.Backend) {
		return fmt.Errorf("storage.backend %q is not one of %s", c.Storage.Backend, strings.Join(validBackends, ", "))
	}
	if c.Storage.Backend != "memory" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
	}
	if !lo.Contains(validAreas, c.Storage.ReadyArea) {
		return fmt.Errorf("storage.ready_area %q is not one of %s", c.Storage.ReadyArea, strings.Join(validAreas, ", "))
	}
	if !lo.Contains(validAreas, c.Storage.OptionsArea) {
		return fmt.Errorf("storage.options_area %q is not one of %s", c.Storage.OptionsArea, strings.Join(validAreas, ", "))
	}
	if c.Storage.PollInterval < 0 {
		return fmt.Errorf("storage.poll_interval must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}

	if c.RPC.Timeout < 0 {
		return fmt.Errorf("rpc.timeout must not be negative")
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
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
		{"storage.poll_interval", cfg.Storage.PollIntervalRaw, &cfg.Storage.PollInterval},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"rpc.timeout", cfg.RPC.TimeoutRaw, &cfg.RPC.Timeout},
		{"rpc.peer_timeout", cfg.RPC.PeerTimeoutRaw, &cfg.RPC.PeerTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
