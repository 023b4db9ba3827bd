// Package config holds the on-disk configuration for chatbridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/graphloom/chatbridge/internal/bridge"
	"github.com/graphloom/chatbridge/internal/gateway"
	"github.com/graphloom/chatbridge/internal/graphdb"
	"github.com/graphloom/chatbridge/internal/server"
)

const (
	BackendAnthropic = "anthropic"
	BackendCLI       = "cli"
)

// Config is the on-disk configuration.
//
// NOTE: This file may contain secrets (API key, database password). Always
// keep it chmod 0600.
type Config struct {
	// Backend selects how model events are obtained: "anthropic" drives
	// the streaming API directly, "cli" spawns the CLI subprocess.
	Backend string `yaml:"backend"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	CLI       CLIConfig       `yaml:"cli"`

	Gateway gateway.Config `yaml:"gateway"`
	GraphDB graphdb.Config `yaml:"graphdb"`
	Server  server.Config  `yaml:"server"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

type CLIConfig struct {
	Binary        string   `yaml:"binary"`
	Model         string   `yaml:"model,omitempty"`
	MaxTurns      int      `yaml:"max_turns,omitempty"`
	MCPConfigPath string   `yaml:"mcp_config_path,omitempty"`
	AllowedTools  []string `yaml:"allowed_tools,omitempty"`
	WorkDir       string   `yaml:"work_dir,omitempty"`
}

// Default returns a config with every non-secret field filled in.
func Default() *Config {
	return &Config{
		Backend: BackendAnthropic,
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		CLI: CLIConfig{
			Binary: "claude",
		},
		Gateway: gateway.Config{
			Transport: "stdio",
		},
		Server: server.Config{
			ListenAddr: ":8080",
		},
		LogFormat: "text",
		LogLevel:  "info",
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.Backend {
	case BackendAnthropic:
		if strings.TrimSpace(c.Anthropic.APIKey) == "" {
			return errors.New("missing anthropic.api_key")
		}
		if strings.TrimSpace(c.Anthropic.Model) == "" {
			return errors.New("missing anthropic.model")
		}
	case BackendCLI:
		if strings.TrimSpace(c.CLI.Binary) == "" {
			return errors.New("missing cli.binary")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	// GraphDB is optional; when unset the db health endpoint reports 503.
	if strings.TrimSpace(c.GraphDB.URI) != "" {
		if err := c.GraphDB.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Provider builds the model backend selected by Backend.
func (c *Config) Provider() (bridge.Provider, error) {
	switch c.Backend {
	case BackendAnthropic:
		return bridge.NewAnthropicProvider(bridge.AnthropicConfig{
			APIKey:    c.Anthropic.APIKey,
			BaseURL:   c.Anthropic.BaseURL,
			Model:     c.Anthropic.Model,
			MaxTokens: c.Anthropic.MaxTokens,
		})
	case BackendCLI:
		return bridge.NewCLIProvider(nil, bridge.CLIConfig{
			Binary:        c.CLI.Binary,
			Model:         c.CLI.Model,
			MaxTurns:      c.CLI.MaxTurns,
			MCPConfigPath: c.CLI.MCPConfigPath,
			AllowedTools:  c.CLI.AllowedTools,
			WorkDir:       c.CLI.WorkDir,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.chatbridge/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "chatbridge.config.yaml"
	}
	return filepath.Join(home, ".chatbridge", "config.yaml")
}

// Load reads the config file, applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file falls back to the defaults
// plus environment overrides.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteDefault writes a fresh default config for hand editing. Unlike Save it
// skips validation, since secrets are not filled in yet.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// applyEnv lets deployment environments inject secrets and overrides without
// touching the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATBRIDGE_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("CHATBRIDGE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		c.Anthropic.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		c.Anthropic.Model = v
	}
	if v := os.Getenv("NEO4J_URI"); v != "" {
		c.GraphDB.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		c.GraphDB.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		c.GraphDB.Password = v
	}
}
