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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/converse/internal/cache"
	"github.com/tombee/converse/internal/log"
)

// toolCacheTTL bounds how long discovered tool lists are served
// without re-listing.
const toolCacheTTL = 5 * time.Minute

// ToolManager discovers tools across servers and executes calls
// against namespaced or simple tool names.
type ToolManager struct {
	sessions *SessionManager
	logger   *slog.Logger
	locks    *serverLocks
	cache    *cache.TTL[string, []ToolDefinition]

	// mu guards the indices below.
	mu       sync.RWMutex
	byServer map[string][]NamespacedTool
	byName   map[string]NamespacedTool
	// order preserves discovery order for simple-name tie-breaking:
	// the first server to expose a simple name wins.
	order []string
}

// NewToolManager creates a tool manager over the given sessions.
func NewToolManager(sessions *SessionManager, logger *slog.Logger) *ToolManager {
	return &ToolManager{
		sessions: sessions,
		logger:   logger,
		locks:    newServerLocks(),
		cache:    cache.NewTTL[string, []ToolDefinition](toolCacheTTL),
		byServer: make(map[string][]NamespacedTool),
		byName:   make(map[string]NamespacedTool),
	}
}

// DiscoverTools lists tools from all given servers concurrently and
// rebuilds the lookup indices. Per-server failures are logged and
// skipped rather than failing the whole discovery. Discovery for the
// same server is serialized and cached, so repeated calls are
// idempotent until the cache expires.
func (m *ToolManager) DiscoverTools(ctx context.Context, servers []string) error {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string][]ToolDefinition, len(servers))
	var resultsMu sync.Mutex

	for _, server := range servers {
		g.Go(func() error {
			tools, err := m.discoverServer(ctx, server)
			if err != nil {
				m.logger.Warn("tool discovery failed",
					slog.String(log.ServerKey, server), "error", err)
				return nil
			}
			resultsMu.Lock()
			results[server] = tools
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, server := range servers {
		tools, ok := results[server]
		if !ok {
			continue
		}
		m.indexServerLocked(server, tools)
	}
	return nil
}

// discoverServer lists one server's tools, serving from cache when
// fresh.
func (m *ToolManager) discoverServer(ctx context.Context, server string) ([]ToolDefinition, error) {
	lock := m.locks.forServer(server)
	lock.Lock()
	defer lock.Unlock()

	if tools, ok := m.cache.Get(server); ok {
		return tools, nil
	}

	start := time.Now()
	tools, err := ExecuteWithRetry(ctx, m.sessions, server, "list tools",
		func(ctx context.Context, conn *Conn) ([]ToolDefinition, error) {
			if !conn.Capabilities().Tools {
				return nil, nil
			}
			return conn.ListTools(ctx)
		})
	if err != nil {
		return nil, err
	}
	discoveryDuration.WithLabelValues(server, "tools").Observe(time.Since(start).Seconds())

	m.cache.Set(server, tools)
	m.logger.Debug("tools discovered",
		slog.String(log.ServerKey, server), "count", len(tools))
	return tools, nil
}

// indexServerLocked rebuilds the indices for one server's tools.
// Namespaced names always resolve; a simple name maps to the first
// server that exposed it.
func (m *ToolManager) indexServerLocked(server string, tools []ToolDefinition) {
	if _, seen := m.byServer[server]; !seen {
		m.order = append(m.order, server)
	}

	// Drop stale simple-name entries owned by this server before
	// re-indexing, so removed tools stop resolving.
	for name, t := range m.byName {
		if t.Server == server {
			delete(m.byName, name)
		}
	}

	namespaced := make([]NamespacedTool, len(tools))
	for i, tool := range tools {
		nt := NamespacedTool{Server: server, Tool: tool}
		namespaced[i] = nt
		m.byName[nt.NamespacedName()] = nt
	}
	m.byServer[server] = namespaced

	// Rebuild simple-name index in discovery order so earlier servers
	// keep winning ties.
	for _, s := range m.order {
		for _, nt := range m.byServer[s] {
			if _, taken := m.byName[nt.Tool.Name]; !taken {
				m.byName[nt.Tool.Name] = nt
			}
		}
	}
}

// Forget drops all indexed tools and cached discovery for server.
func (m *ToolManager) Forget(server string) {
	m.cache.Delete(server)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byServer, server)
	for i, s := range m.order {
		if s == server {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for name, t := range m.byName {
		if t.Server == server {
			delete(m.byName, name)
		}
	}
}

// Tools returns all discovered tools grouped by server.
func (m *ToolManager) Tools() map[string][]NamespacedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]NamespacedTool, len(m.byServer))
	for server, tools := range m.byServer {
		out[server] = append([]NamespacedTool(nil), tools...)
	}
	return out
}

// AllTools returns every discovered tool in discovery order.
func (m *ToolManager) AllTools() []NamespacedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NamespacedTool
	for _, server := range m.order {
		out = append(out, m.byServer[server]...)
	}
	return out
}

// Resolve maps a tool identifier to its owning server and definition.
// Namespaced "server/name" identifiers resolve exactly; simple names
// resolve to the first server that exposed them.
func (m *ToolManager) Resolve(id string) (NamespacedTool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if nt, ok := m.byName[id]; ok {
		return nt, true
	}
	if server, name, ok := splitNamespaced(id); ok {
		for _, nt := range m.byServer[server] {
			if nt.Tool.Name == name {
				return nt, true
			}
		}
	}
	return NamespacedTool{}, false
}

// CallTool executes the identified tool. It never returns an error:
// unknown tools, transport failures, and tool-reported failures all
// come back as an error CallResult so the caller can surface them as
// observations.
func (m *ToolManager) CallTool(ctx context.Context, id string, args map[string]any) *CallResult {
	nt, ok := m.Resolve(id)
	if !ok {
		return ErrorResult(fmt.Sprintf("tool %q not found; use list_tools to see available tools", id))
	}

	start := time.Now()
	result, err := ExecuteWithRetry(ctx, m.sessions, nt.Server, "call tool",
		func(ctx context.Context, conn *Conn) (*CallResult, error) {
			return conn.CallTool(ctx, nt.Tool.Name, args)
		})

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		result = ErrorResult(fmt.Sprintf("tool %q failed: %v", id, err))
	case result == nil:
		status = "error"
		result = ErrorResult(fmt.Sprintf("tool %q returned no result", id))
	case result.IsError:
		status = "tool_error"
	}

	elapsed := time.Since(start)
	toolCallDuration.WithLabelValues(nt.Server, status).Observe(elapsed.Seconds())
	toolCallsTotal.WithLabelValues(nt.Server, status).Inc()

	m.logger.Info("tool call completed",
		slog.String(log.ServerKey, nt.Server),
		slog.String(log.ToolKey, nt.NamespacedName()),
		"status", status,
		slog.Int64(log.DurationKey, elapsed.Milliseconds()))
	return result
}
