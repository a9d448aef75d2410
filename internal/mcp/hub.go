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

// Package mcp implements the MCP runtime: server configuration,
// connection and session lifecycle with failure cooldowns, capability
// discovery, and tool execution, all fronted by the per-tenant Hub.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/converse/internal/log"
)

// Hub is the facade over the MCP runtime for one tenant. It owns the
// config provider, connection and session managers, and the capability
// managers, and exposes the operations the chat layer needs.
type Hub struct {
	userID    string
	config    *ConfigProvider
	conns     *ConnectionManager
	sessions  *SessionManager
	tools     *ToolManager
	prompts   *PromptManager
	resources *ResourceManager
	tasks     *taskRunner
	logger    *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// HubConfig configures a Hub.
type HubConfig struct {
	// UserID scopes server visibility; empty sees only shared servers
	UserID string

	// ConfigPath is the JSON server config file (optional)
	ConfigPath string

	// Servers are explicit server definitions that override the file
	Servers map[string]ServerConfig

	// Logger is used for structured logging
	Logger *slog.Logger

	// SessionOptions tune retry, cooldown, and rate limiting
	SessionOptions []SessionOption

	// TaskQueueSize bounds pending background mutations (0 = default)
	TaskQueueSize int
}

// NewHub assembles a hub. No connections are opened until Initialize
// or first use.
func NewHub(cfg HubConfig) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "mcp")
	if cfg.UserID != "" {
		logger = log.WithUser(logger, cfg.UserID)
	}

	var opts []ConfigOption
	if cfg.ConfigPath != "" {
		opts = append(opts, WithConfigFile(cfg.ConfigPath))
	}
	if len(cfg.Servers) > 0 {
		opts = append(opts, WithExplicitServers(cfg.Servers))
	}

	provider, err := NewConfigProvider(logger, opts...)
	if err != nil {
		return nil, err
	}

	conns := NewConnectionManager(provider, logger)
	sessions := NewSessionManager(conns, logger, cfg.SessionOptions...)

	return &Hub{
		userID:    cfg.UserID,
		config:    provider,
		conns:     conns,
		sessions:  sessions,
		tools:     NewToolManager(sessions, logger),
		prompts:   NewPromptManager(sessions, logger),
		resources: NewResourceManager(sessions, logger),
		tasks:     newTaskRunner(logger, cfg.TaskQueueSize),
		logger:    logger,
	}, nil
}

// Initialize connects to all active servers and discovers their
// capabilities. Individual server failures are logged and tolerated;
// the hub serves whatever connected.
func (h *Hub) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	servers := h.config.ActiveServerNames(h.userID)
	h.logger.Info("initializing hub", "servers", len(servers))

	h.discover(ctx, servers)
	h.initialized = true
	connectedServers.Set(float64(len(h.conns.ConnectedServers())))
	return nil
}

// discover runs capability discovery for the given servers across all
// three capability families.
func (h *Hub) discover(ctx context.Context, servers []string) {
	if len(servers) == 0 {
		return
	}
	if err := h.tools.DiscoverTools(ctx, servers); err != nil {
		h.logger.Warn("tool discovery interrupted", "error", err)
	}
	if err := h.prompts.DiscoverPrompts(ctx, servers); err != nil {
		h.logger.Warn("prompt discovery interrupted", "error", err)
	}
	if err := h.resources.DiscoverResources(ctx, servers); err != nil {
		h.logger.Warn("resource discovery interrupted", "error", err)
	}
}

// UserID returns the tenant this hub serves.
func (h *Hub) UserID() string { return h.userID }

// ListTools returns every discovered tool in discovery order.
func (h *Hub) ListTools() []NamespacedTool {
	return h.tools.AllTools()
}

// ToolsByServer returns discovered tools grouped by server.
func (h *Hub) ToolsByServer() map[string][]NamespacedTool {
	return h.tools.Tools()
}

// CallTool executes a tool by namespaced or simple name. It never
// returns an error; failures come back as an error CallResult.
func (h *Hub) CallTool(ctx context.Context, name string, args map[string]any) *CallResult {
	return h.tools.CallTool(ctx, name, args)
}

// ListPrompts returns discovered prompts grouped by server.
func (h *Hub) ListPrompts() map[string][]NamespacedPrompt {
	return h.prompts.Prompts()
}

// GetPrompt renders a prompt by namespaced or simple name.
func (h *Hub) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	return h.prompts.GetPrompt(ctx, name, args)
}

// ListResources returns discovered resources grouped by server.
func (h *Hub) ListResources() map[string][]NamespacedResource {
	return h.resources.Resources()
}

// ReadResource reads a resource by name, namespaced name, or URI.
func (h *Hub) ReadResource(ctx context.Context, id string) ([]ResourceContent, error) {
	return h.resources.ReadResource(ctx, id)
}

// ConnectServer establishes a session for one server and discovers its
// capabilities.
func (h *Hub) ConnectServer(ctx context.Context, name string) error {
	if _, err := h.sessions.Session(ctx, name); err != nil {
		return err
	}
	h.discover(ctx, []string{name})
	connectedServers.Set(float64(len(h.conns.ConnectedServers())))
	return nil
}

// DisconnectServer tears down one server's session and drops its
// capabilities from the indices.
func (h *Hub) DisconnectServer(name string) {
	h.sessions.CloseSession(name)
	h.tools.Forget(name)
	h.prompts.Forget(name)
	h.resources.Forget(name)
	connectedServers.Set(float64(len(h.conns.ConnectedServers())))
	h.logger.Info("server disconnected", slog.String(log.ServerKey, name))
}

// ServerConnected reports whether the named server is fully usable:
// configured, active, flagged connected, and holding a healthy
// session. Any single signal alone can be stale during reconfiguration.
func (h *Hub) ServerConnected(name string) bool {
	cfg, ok := h.config.ServerConfig(name)
	if !ok || !cfg.Active {
		return false
	}
	if !h.conns.IsConnected(name) {
		return false
	}
	return h.sessions.Status(name).State == SessionStateHealthy
}

// AddServer registers a server definition and connects to it in the
// background. The mutation is supervised: queue overflow and
// connection failures surface in logs, not as dropped goroutines.
func (h *Hub) AddServer(cfg ServerConfig) error {
	if err := h.config.SetServer(cfg); err != nil {
		return err
	}
	return h.tasks.Submit(fmt.Sprintf("connect %s", cfg.Name), func(ctx context.Context) error {
		return h.ConnectServer(ctx, cfg.Name)
	})
}

// RemoveServer disconnects a server and drops its definition in the
// background.
func (h *Hub) RemoveServer(name string) error {
	return h.tasks.Submit(fmt.Sprintf("remove %s", name), func(ctx context.Context) error {
		h.DisconnectServer(name)
		return h.config.RemoveServer(name)
	})
}

// UpdateServer replaces a server definition, recycling its connection
// in the background.
func (h *Hub) UpdateServer(cfg ServerConfig) error {
	if err := h.config.SetServer(cfg); err != nil {
		return err
	}
	return h.tasks.Submit(fmt.Sprintf("recycle %s", cfg.Name), func(ctx context.Context) error {
		h.DisconnectServer(cfg.Name)
		if !cfg.Active {
			return nil
		}
		return h.ConnectServer(ctx, cfg.Name)
	})
}

// ReloadServers re-reads configuration and reconciles running
// connections against it: servers that disappeared are disconnected,
// new servers are connected, and survivors are left untouched.
func (h *Hub) ReloadServers(ctx context.Context) error {
	if err := h.config.Reload(); err != nil {
		return err
	}

	desired := make(map[string]bool)
	for _, name := range h.config.ActiveServerNames(h.userID) {
		desired[name] = true
	}

	for _, name := range h.conns.ConnectedServers() {
		if !desired[name] {
			h.DisconnectServer(name)
		}
	}

	var added []string
	for name := range desired {
		if !h.conns.IsConnected(name) {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	for _, name := range added {
		if err := h.ConnectServer(ctx, name); err != nil {
			h.logger.Warn("failed to connect server during reload",
				slog.String(log.ServerKey, name), "error", err)
		}
	}

	h.logger.Info("server reload complete",
		"desired", len(desired), "added", len(added))
	return nil
}

// Status returns runtime snapshots for every configured server,
// sorted by name.
func (h *Hub) Status() []ServerStatus {
	names := h.config.ServerNames()
	out := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		st := h.sessions.Status(name)
		st.ToolCount = len(h.tools.Tools()[name])
		out = append(out, st)
	}
	return out
}

// Shutdown stops background work and tears down every session and
// connection in LIFO order.
func (h *Hub) Shutdown() {
	h.tasks.Close()
	h.sessions.CloseAll()
	connectedServers.Set(0)
	h.logger.Info("hub shut down")
}
