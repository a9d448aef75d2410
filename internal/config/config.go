// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the converse daemon configuration from YAML
// with environment variable overrides for credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	converrors "github.com/tombee/converse/pkg/errors"
)

// Config is the full daemon configuration.
type Config struct {
	// Log configures structured logging output.
	Log LogConfig `yaml:"log"`

	// Database is the SQLite database file path.
	Database DatabaseConfig `yaml:"database"`

	// MCP configures the shared MCP server config file.
	MCP MCPConfig `yaml:"mcp"`

	// Providers holds per-provider LLM credentials and endpoints,
	// keyed by provider name (anthropic, openai, deepseek, gemini,
	// ollama).
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Chat tunes the conversation loop and context optimizer.
	Chat ChatConfig `yaml:"chat"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig mirrors internal/log.Config in YAML form.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DatabaseConfig configures persistence.
type DatabaseConfig struct {
	// Path is the SQLite file path. Defaults to converse.db in the
	// config directory.
	Path string `yaml:"path"`

	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
}

// MCPConfig configures the shared server config layer.
type MCPConfig struct {
	// ConfigPath is a JSON server config file shared across users
	// (optional).
	ConfigPath string `yaml:"config_path"`

	// Watch reloads hubs when ConfigPath changes.
	Watch bool `yaml:"watch"`
}

// ProviderConfig holds one LLM provider's credentials and endpoint.
type ProviderConfig struct {
	// APIKey authenticates against the provider. Environment override:
	// CONVERSE_<PROVIDER>_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Required for
	// ollama, optional elsewhere.
	BaseURL string `yaml:"base_url"`

	// Model is the default model for this provider.
	Model string `yaml:"model"`
}

// ChatConfig tunes the conversation loop.
type ChatConfig struct {
	// MaxIterations bounds tool-calling rounds per turn (default 20).
	MaxIterations int `yaml:"max_iterations"`

	// MaxContextTokens is the context window budget (default 64000).
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Preference selects the optimizer trade-off: fast, balanced, or
	// quality (default balanced).
	Preference string `yaml:"preference"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Enabled turns the endpoint on.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address (default :9464).
	Addr string `yaml:"addr"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path: "converse.db",
			WAL:  true,
		},
		Providers: map[string]ProviderConfig{},
		Chat: ChatConfig{
			MaxIterations:    20,
			MaxContextTokens: 64000,
			Preference:       "balanced",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}

// ConfigDir returns the XDG config directory for converse, creating it
// if needed. Respects XDG_CONFIG_HOME.
func ConfigDir() (string, error) {
	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	dir := filepath.Join(base, "converse")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file at path, applies defaults, and overlays
// environment credentials. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, &converrors.ConfigError{Key: path, Reason: "reading config file", Cause: err}
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &converrors.ConfigError{Key: path, Reason: "parsing config file", Cause: err}
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CONVERSE_<PROVIDER>_API_KEY and
// CONVERSE_<PROVIDER>_BASE_URL onto the provider table so credentials
// can stay out of the config file.
func (c *Config) applyEnv() {
	for _, provider := range []string{"anthropic", "openai", "deepseek", "gemini", "ollama"} {
		prefix := "CONVERSE_" + strings.ToUpper(provider)
		key := os.Getenv(prefix + "_API_KEY")
		base := os.Getenv(prefix + "_BASE_URL")
		if key == "" && base == "" {
			continue
		}

		pc := c.Providers[provider]
		if key != "" {
			pc.APIKey = key
		}
		if base != "" {
			pc.BaseURL = base
		}
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		c.Providers[provider] = pc
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return &converrors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unsupported format %q (use json or text)", c.Log.Format),
		}
	}

	if c.Chat.MaxIterations <= 0 {
		return &converrors.ConfigError{
			Key:    "chat.max_iterations",
			Reason: "must be positive",
		}
	}
	if c.Chat.MaxContextTokens <= 0 {
		return &converrors.ConfigError{
			Key:    "chat.max_context_tokens",
			Reason: "must be positive",
		}
	}

	switch c.Chat.Preference {
	case "", "fast", "balanced", "quality":
	default:
		return &converrors.ConfigError{
			Key:    "chat.preference",
			Reason: fmt.Sprintf("unsupported preference %q (use fast, balanced, or quality)", c.Chat.Preference),
		}
	}

	return nil
}
