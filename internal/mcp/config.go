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

package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	converrors "github.com/tombee/converse/pkg/errors"
)

// EnvServers is the environment variable scanned for supplemental
// server definitions. Its value uses the same JSON document shapes as
// the config file.
const EnvServers = "CONVERSE_MCP_SERVERS"

// DefaultTimeout is applied when a server config omits its per-RPC
// timeout.
const DefaultTimeout = 30 * time.Second

// ConfigProvider resolves the set of MCP server definitions from three
// layers: explicit configs passed by the caller, a JSON config file,
// and the CONVERSE_MCP_SERVERS environment variable. Explicit configs
// win over the file; the environment only supplements names not
// already present.
type ConfigProvider struct {
	path     string
	explicit map[string]ServerConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// ConfigOption customizes a ConfigProvider.
type ConfigOption func(*ConfigProvider)

// WithConfigFile sets the JSON config file path.
func WithConfigFile(path string) ConfigOption {
	return func(p *ConfigProvider) { p.path = path }
}

// WithExplicitServers seeds server definitions that take precedence
// over the config file and environment.
func WithExplicitServers(servers map[string]ServerConfig) ConfigOption {
	return func(p *ConfigProvider) { p.explicit = servers }
}

// NewConfigProvider builds a provider and performs the initial load.
// A missing config file is not an error; the provider then serves only
// explicit and environment-derived servers.
func NewConfigProvider(logger *slog.Logger, opts ...ConfigOption) (*ConfigProvider, error) {
	p := &ConfigProvider{
		logger:  logger,
		servers: make(map[string]ServerConfig),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-resolves all three config layers and atomically swaps the
// server map. Callers holding a previously returned ServerConfig keep
// a consistent snapshot.
func (p *ConfigProvider) Reload() error {
	merged := make(map[string]ServerConfig)

	if p.path != "" {
		fromFile, err := loadConfigFile(p.path)
		if err != nil {
			return err
		}
		for name, cfg := range fromFile {
			merged[name] = cfg
		}
	}

	// Explicit configs override the file.
	for name, cfg := range p.explicit {
		cfg.Name = name
		norm, err := normalizeServerConfig(cfg)
		if err != nil {
			return err
		}
		merged[name] = norm
	}

	// Environment supplements names not already present.
	if raw := os.Getenv(EnvServers); raw != "" {
		fromEnv, err := parseConfigDocument([]byte(raw))
		if err != nil {
			p.logger.Warn("ignoring malformed server definitions in environment",
				"env", EnvServers, "error", err)
		} else {
			for name, cfg := range fromEnv {
				if _, exists := merged[name]; !exists {
					merged[name] = cfg
				}
			}
		}
	}

	p.mu.Lock()
	p.servers = merged
	p.mu.Unlock()

	p.logger.Debug("server configs loaded", "count", len(merged))
	return nil
}

// ServerConfig returns the config for name.
func (p *ConfigProvider) ServerConfig(name string) (ServerConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.servers[name]
	return cfg, ok
}

// ServerNames returns all configured server names, sorted.
func (p *ConfigProvider) ServerNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveServerNames returns the sorted names of servers marked active
// and visible to userID. A server with an empty UserID is shared.
func (p *ConfigProvider) ActiveServerNames(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.servers))
	for name, cfg := range p.servers {
		if !cfg.Active {
			continue
		}
		if cfg.UserID != "" && cfg.UserID != userID {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetServer adds or replaces a single explicit server definition and
// refreshes the merged view.
func (p *ConfigProvider) SetServer(cfg ServerConfig) error {
	norm, err := normalizeServerConfig(cfg)
	if err != nil {
		return err
	}
	if p.explicit == nil {
		p.explicit = make(map[string]ServerConfig)
	}
	p.explicit[norm.Name] = norm
	return p.Reload()
}

// RemoveServer drops an explicit server definition and refreshes the
// merged view. Removing a name that only exists in the file or the
// environment has no effect.
func (p *ConfigProvider) RemoveServer(name string) error {
	delete(p.explicit, name)
	return p.Reload()
}

// Path returns the config file path, or "" when none is set.
func (p *ConfigProvider) Path() string { return p.path }

// loadConfigFile reads and parses the JSON config file at path.
// A missing file yields an empty map.
func loadConfigFile(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerConfig{}, nil
		}
		return nil, &converrors.ConfigError{Key: path, Reason: "reading server config file", Cause: err}
	}
	servers, err := parseConfigDocument(data)
	if err != nil {
		return nil, &converrors.ConfigError{Key: path, Reason: "parsing server config file", Cause: err}
	}
	return servers, nil
}

// parseConfigDocument accepts the three config document shapes seen in
// the wild:
//
//	{"mcpServers": {"name": {...}, ...}}
//	{"servers": [{"name": "...", ...}, ...]}
//	{"name": {...}, ...}
//
// The mcpServers value may itself be a map or a list.
func parseConfigDocument(data []byte) (map[string]ServerConfig, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config document is not a JSON object: %w", err)
	}

	if raw, ok := doc["mcpServers"]; ok {
		return parseServerCollection(raw)
	}
	if raw, ok := doc["servers"]; ok {
		return parseServerCollection(raw)
	}

	// Flat form: every top-level key is a server name.
	out := make(map[string]ServerConfig, len(doc))
	for name, raw := range doc {
		cfg, err := parseServerEntry(name, raw)
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

// parseServerCollection handles a collection that may be a name-keyed
// map or a list of entries each carrying its own name.
func parseServerCollection(raw json.RawMessage) (map[string]ServerConfig, error) {
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil {
		out := make(map[string]ServerConfig, len(asMap))
		for name, entry := range asMap {
			cfg, err := parseServerEntry(name, entry)
			if err != nil {
				return nil, err
			}
			out[name] = cfg
		}
		return out, nil
	}

	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err != nil {
		return nil, fmt.Errorf("server collection is neither a map nor a list")
	}
	out := make(map[string]ServerConfig, len(asList))
	for _, entry := range asList {
		cfg, err := parseServerEntry("", entry)
		if err != nil {
			return nil, err
		}
		out[cfg.Name] = cfg
	}
	return out, nil
}

// rawServerEntry tolerates the loose field shapes found in real config
// files: args as a string or list, env as a map or KEY=VALUE list,
// timeouts in seconds.
type rawServerEntry struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Type      string            `json:"type"`
	Command   string            `json:"command"`
	Args      json.RawMessage   `json:"args"`
	Env       json.RawMessage   `json:"env"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	TimeoutS  float64           `json:"timeout"`
	Active    *bool             `json:"active"`
	Disabled  bool              `json:"disabled"`
	UserID    string            `json:"user_id"`
}

func parseServerEntry(name string, raw json.RawMessage) (ServerConfig, error) {
	var entry rawServerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ServerConfig{}, fmt.Errorf("server %q: %w", name, err)
	}
	if entry.Name == "" {
		entry.Name = name
	}

	transport := entry.Transport
	if transport == "" {
		transport = entry.Type
	}

	cfg := ServerConfig{
		Name:      entry.Name,
		Transport: Transport(transport),
		Command:   entry.Command,
		URL:       entry.URL,
		Headers:   entry.Headers,
		Active:    true,
		UserID:    entry.UserID,
	}
	if entry.Active != nil {
		cfg.Active = *entry.Active
	}
	if entry.Disabled {
		cfg.Active = false
	}
	if entry.TimeoutS > 0 {
		cfg.Timeout = time.Duration(entry.TimeoutS * float64(time.Second))
	}

	if len(entry.Args) > 0 {
		args, err := coerceArgs(entry.Args)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("server %q: %w", cfg.Name, err)
		}
		cfg.Args = args
	}
	if len(entry.Env) > 0 {
		env, err := coerceEnv(entry.Env)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("server %q: %w", cfg.Name, err)
		}
		cfg.Env = env
	}

	return normalizeServerConfig(cfg)
}

// coerceArgs accepts a JSON list of strings or a single string.
func coerceArgs(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.Fields(single), nil
	}
	return nil, fmt.Errorf("args must be a string or a list of strings")
}

// coerceEnv accepts a JSON map of strings or a list of KEY=VALUE
// strings.
func coerceEnv(raw json.RawMessage) (map[string]string, error) {
	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap, nil
	}
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		out := make(map[string]string, len(asList))
		for _, kv := range asList {
			key, value, found := strings.Cut(kv, "=")
			if !found || key == "" {
				return nil, fmt.Errorf("env entry %q is not KEY=VALUE", kv)
			}
			out[key] = value
		}
		return out, nil
	}
	return nil, fmt.Errorf("env must be a map or a list of KEY=VALUE strings")
}

// normalizeServerConfig validates transport invariants and applies
// defaults. Stdio servers need a command; SSE servers need a URL.
func normalizeServerConfig(cfg ServerConfig) (ServerConfig, error) {
	if cfg.Name == "" {
		return ServerConfig{}, &converrors.ValidationError{
			Field:   "name",
			Message: "server name is required",
		}
	}
	if strings.Contains(cfg.Name, "/") {
		return ServerConfig{}, &converrors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("server name %q must not contain '/'", cfg.Name),
			Suggestion: "the '/' separator is reserved for namespaced capability names",
		}
	}

	if cfg.Transport == "" {
		// Infer from fields when unspecified.
		switch {
		case cfg.URL != "":
			cfg.Transport = TransportSSE
		default:
			cfg.Transport = TransportStdio
		}
	}

	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return ServerConfig{}, &converrors.ValidationError{
				Field:   "command",
				Message: fmt.Sprintf("stdio server %q requires a command", cfg.Name),
			}
		}
	case TransportSSE:
		if cfg.URL == "" {
			return ServerConfig{}, &converrors.ValidationError{
				Field:   "url",
				Message: fmt.Sprintf("sse server %q requires a url", cfg.Name),
			}
		}
	default:
		return ServerConfig{}, &converrors.ValidationError{
			Field:      "transport",
			Message:    fmt.Sprintf("server %q has unsupported transport %q", cfg.Name, cfg.Transport),
			Suggestion: "use \"stdio\" or \"sse\"",
		}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg, nil
}
