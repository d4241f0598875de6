// Package config handles fanout broker configuration loading.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/fanout/config.yaml, /config/config.yaml,
// /etc/fanout/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fanout", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/fanout/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all broker configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	AMQP     AMQPConfig    `yaml:"amqp"`
	Web      WebConfig     `yaml:"web"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
}

// ListenConfig defines the HTTP/WebSocket server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address, "" = all interfaces
	Port    int    `yaml:"port"`
}

// AMQPConfig defines the upstream bus connection and exchange names.
type AMQPConfig struct {
	Endpoint           string `yaml:"endpoint"` // IPv4 host:port
	VHost              string `yaml:"vhost"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ExchangeBroadcast  string `yaml:"exchange_broadcast"`
	ExchangeStatus     string `yaml:"exchange_status"`
	SendStatusMessages bool   `yaml:"send_status_messages"`
}

// WebConfig defines WebSocket-facing behavior.
type WebConfig struct {
	MACSecretB64 string `yaml:"mac_secret"`    // base64-encoded shared secret
	PingInterval int    `yaml:"ping_interval"` // seconds
	AdminAuth    string `yaml:"admin_auth"`    // credential after "Basic "
	ConnShedRate int    `yaml:"conn_shed_rate"`
	ShedDelaySec int    `yaml:"shed_delay_sec"`
}

// MetricsConfig holds the metrics.address and metrics.port settings.
// They are parsed but not used: cmd/fanout always serves Prometheus
// metrics at /metrics on the main listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// MACSecret decodes the base64-encoded shared secret used for namespace
// token signatures.
func (w WebConfig) MACSecret() ([]byte, error) {
	if w.MACSecretB64 == "" {
		return nil, fmt.Errorf("web.mac_secret is required")
	}
	secret, err := base64.StdEncoding.DecodeString(w.MACSecretB64)
	if err != nil {
		return nil, fmt.Errorf("web.mac_secret: invalid base64: %w", err)
	}
	return secret, nil
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${AMQP_PASSWORD}). Convenience
	// for container deployments; putting secrets directly in the file is
	// also supported.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.AMQP.ExchangeBroadcast == "" {
		c.AMQP.ExchangeBroadcast = "broadcast"
	}
	if c.AMQP.ExchangeStatus == "" {
		c.AMQP.ExchangeStatus = "websocket-status"
	}
	if c.Web.PingInterval == 0 {
		c.Web.PingInterval = 30
	}
	if c.Web.ConnShedRate == 0 {
		c.Web.ConnShedRate = 10
	}
	if c.Web.ShedDelaySec == 0 {
		c.Web.ShedDelaySec = 30
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Web.PingInterval < 1 {
		return fmt.Errorf("web.ping_interval must be positive, got %d", c.Web.PingInterval)
	}
	if c.Web.ConnShedRate < 1 {
		return fmt.Errorf("web.conn_shed_rate must be positive, got %d", c.Web.ConnShedRate)
	}
	if c.AMQP.Endpoint == "" {
		return fmt.Errorf("amqp.endpoint is required")
	}
	if _, err := c.Web.MACSecret(); err != nil {
		return err
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a minimally valid configuration suitable as a base
// for tests. The AMQP endpoint and MAC secret are filled in so that
// Validate succeeds without further setup.
func Default() *Config {
	cfg := &Config{
		AMQP: AMQPConfig{
			Endpoint: "127.0.0.1:5672",
		},
		Web: WebConfig{
			MACSecretB64: base64.StdEncoding.EncodeToString([]byte("test-secret")),
		},
	}
	cfg.applyDefaults()
	return cfg
}
