// Package config handles wampc configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config) is checked first. Then: ./wampc.yaml,
// ~/.config/wampc/config.yaml, /config/wampc.yaml, /etc/wampc/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"wampc.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wampc", "config.yaml"))
	}

	paths = append(paths, "/config/wampc.yaml") // container convention
	paths = append(paths, "/etc/wampc/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise DefaultSearchPaths is searched in order and the
// first existing path is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds everything a wampc deployment needs: where to dial, how
// to authenticate, and how to log.
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	Auth      AuthConfig      `yaml:"auth"`
	Health    HealthConfig    `yaml:"health"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	LogLevel  string          `yaml:"log_level"`
}

// RouterConfig identifies the WAMP router to connect to.
type RouterConfig struct {
	URL   string `yaml:"url"`
	Realm string `yaml:"realm"`
}

// AuthConfig configures ticket-style authentication. Empty AuthID
// disables authentication and the client sends a HELLO with no
// authmethods.
type AuthConfig struct {
	AuthID string `yaml:"authid"`
	Ticket string `yaml:"ticket"`
}

// Configured reports whether authentication was set up.
func (c AuthConfig) Configured() bool {
	return c.AuthID != ""
}

// HealthConfig configures the connection-health watchdog (wampc/health).
type HealthConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ProcedureURI   string `yaml:"procedure_uri"`
	IntervalSecond int    `yaml:"interval_seconds"`
}

// ReconnectConfig configures the reconnect-composition helper
// (wampc/reconnect).
type ReconnectConfig struct {
	Enabled      bool `yaml:"enabled"`
	MinBackoffMS int  `yaml:"min_backoff_ms"`
	MaxBackoffMS int  `yaml:"max_backoff_ms"`
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

	// Expand environment variables (e.g. ${WAMPC_TICKET}). Convenience
	// for container deployments; putting secrets directly in the file
	// is also supported.
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
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.Router.Realm == "" {
		c.Router.Realm = "realm1"
	}
	if c.Health.ProcedureURI == "" {
		c.Health.ProcedureURI = "wamp.session.count"
	}
	if c.Health.IntervalSecond == 0 {
		c.Health.IntervalSecond = 30
	}
	if c.Reconnect.MinBackoffMS == 0 {
		c.Reconnect.MinBackoffMS = 500
	}
	if c.Reconnect.MaxBackoffMS == 0 {
		c.Reconnect.MaxBackoffMS = 30_000
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Router.URL == "" {
		return fmt.Errorf("router.url is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Reconnect.MaxBackoffMS < c.Reconnect.MinBackoffMS {
		return fmt.Errorf("reconnect.max_backoff_ms (%d) below min_backoff_ms (%d)", c.Reconnect.MaxBackoffMS, c.Reconnect.MinBackoffMS)
	}
	return nil
}
