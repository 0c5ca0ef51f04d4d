// Package config loads and validates the clawbridge configuration.
// Files may be YAML (.yaml/.yml) or JSON5 (.json/.json5); environment
// variables in ${VAR_NAME} form are expanded before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Access policies for inbound senders.
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyPairing   = "pairing"
	PolicyDisabled  = "disabled"
)

// Config is the complete clawbridge configuration.
type Config struct {
	Gateway    GatewayConfig              `yaml:"gateway" json:"gateway"`
	Connectors map[string]ConnectorConfig `yaml:"connectors" json:"connectors"`
	Data       DataConfig                 `yaml:"data" json:"data"`
	Logging    LoggingConfig              `yaml:"logging" json:"logging"`
}

// GatewayConfig holds connection settings for the upstream gateway.
type GatewayConfig struct {
	URL      string   `yaml:"url" json:"url"`
	Token    string   `yaml:"token" json:"token"`
	ClientID string   `yaml:"client_id" json:"clientId"`
	Mode     string   `yaml:"mode" json:"mode"`
	Scopes   []string `yaml:"scopes" json:"scopes"`

	// Timings in milliseconds. Zero means default.
	ReconnectBaseMs int `yaml:"reconnect_base_ms" json:"reconnectBaseMs"`
	ReconnectCapMs  int `yaml:"reconnect_cap_ms" json:"reconnectCapMs"`
	HelloTimeoutMs  int `yaml:"hello_timeout_ms" json:"helloTimeoutMs"`
	RPCTimeoutMs    int `yaml:"rpc_timeout_ms" json:"rpcTimeoutMs"`
	TickIntervalMs  int `yaml:"tick_interval_ms" json:"tickIntervalMs"`
}

// ConnectorConfig configures one connector instance.
type ConnectorConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Policy  string `yaml:"policy" json:"policy"`

	// AllowFrom is the sender allowlist for the "allowlist" policy.
	// nil means the list is absent; an empty (non-nil) list blocks
	// everyone and triggers a configuration warning.
	AllowFrom []string `yaml:"allow_from,omitempty" json:"allowFrom,omitempty"`

	HistoryPollIntervalMs int `yaml:"history_poll_interval_ms" json:"historyPollIntervalMs"`
}

// DataConfig holds filesystem paths for persistent state.
type DataConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Mode:   "backend",
			Scopes: []string{"chat"},
		},
		Connectors: map[string]ConnectorConfig{},
		Data: DataConfig{
			Dir: "~/.clawbridge/data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config file, expands ${VAR_NAME} environment references,
// and parses it by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		err = json5.Unmarshal([]byte(expanded), cfg)
	default:
		err = yaml.Unmarshal([]byte(expanded), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to disk in the format the extension names.
func Save(path string, cfg *Config) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks required fields and policy values.
// Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}

	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "wss":
	case "ws":
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("gateway.url: plain ws:// is only allowed for localhost, use wss://")
		}
	default:
		return fmt.Errorf("gateway.url: scheme must be ws or wss, got %q", u.Scheme)
	}

	for id, conn := range c.Connectors {
		if norm := NormalizeConnectorID(id); norm != id {
			return fmt.Errorf("connector id %q is invalid (did you mean %q?)", id, norm)
		}
		switch conn.Policy {
		case "", PolicyOpen, PolicyAllowlist, PolicyPairing, PolicyDisabled:
		default:
			return fmt.Errorf("connector %q: unknown policy %q", id, conn.Policy)
		}
	}

	return nil
}

// DataDir returns the data directory with ~ expanded.
func (c *Config) DataDir() string {
	return ExpandHome(c.Data.Dir)
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
