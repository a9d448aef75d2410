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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/converse/internal/cache"
	"github.com/tombee/converse/internal/log"
	converrors "github.com/tombee/converse/pkg/errors"
)

// PromptManager discovers and fetches prompt templates across servers.
type PromptManager struct {
	sessions *SessionManager
	logger   *slog.Logger
	locks    *serverLocks
	cache    *cache.TTL[string, []PromptDefinition]

	mu       sync.RWMutex
	byServer map[string][]NamespacedPrompt
	byName   map[string]NamespacedPrompt
	order    []string
}

// NewPromptManager creates a prompt manager over the given sessions.
func NewPromptManager(sessions *SessionManager, logger *slog.Logger) *PromptManager {
	return &PromptManager{
		sessions: sessions,
		logger:   logger,
		locks:    newServerLocks(),
		cache:    cache.NewTTL[string, []PromptDefinition](toolCacheTTL),
		byServer: make(map[string][]NamespacedPrompt),
		byName:   make(map[string]NamespacedPrompt),
	}
}

// DiscoverPrompts lists prompts from all given servers concurrently.
// Servers without the prompts capability are skipped silently.
func (m *PromptManager) DiscoverPrompts(ctx context.Context, servers []string) error {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string][]PromptDefinition, len(servers))
	var resultsMu sync.Mutex

	for _, server := range servers {
		g.Go(func() error {
			prompts, err := m.discoverServer(ctx, server)
			if err != nil {
				m.logger.Warn("prompt discovery failed",
					slog.String(log.ServerKey, server), "error", err)
				return nil
			}
			resultsMu.Lock()
			results[server] = prompts
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
		prompts, ok := results[server]
		if !ok {
			continue
		}
		m.indexServerLocked(server, prompts)
	}
	return nil
}

func (m *PromptManager) discoverServer(ctx context.Context, server string) ([]PromptDefinition, error) {
	lock := m.locks.forServer(server)
	lock.Lock()
	defer lock.Unlock()

	if prompts, ok := m.cache.Get(server); ok {
		return prompts, nil
	}

	start := time.Now()
	prompts, err := ExecuteWithRetry(ctx, m.sessions, server, "list prompts",
		func(ctx context.Context, conn *Conn) ([]PromptDefinition, error) {
			if !conn.Capabilities().Prompts {
				return nil, nil
			}
			return conn.ListPrompts(ctx)
		})
	if err != nil {
		return nil, err
	}
	discoveryDuration.WithLabelValues(server, "prompts").Observe(time.Since(start).Seconds())

	m.cache.Set(server, prompts)
	return prompts, nil
}

func (m *PromptManager) indexServerLocked(server string, prompts []PromptDefinition) {
	if _, seen := m.byServer[server]; !seen {
		m.order = append(m.order, server)
	}
	for name, p := range m.byName {
		if p.Server == server {
			delete(m.byName, name)
		}
	}

	namespaced := make([]NamespacedPrompt, len(prompts))
	for i, prompt := range prompts {
		np := NamespacedPrompt{Server: server, Prompt: prompt}
		namespaced[i] = np
		m.byName[np.NamespacedName()] = np
	}
	m.byServer[server] = namespaced

	for _, s := range m.order {
		for _, np := range m.byServer[s] {
			if _, taken := m.byName[np.Prompt.Name]; !taken {
				m.byName[np.Prompt.Name] = np
			}
		}
	}
}

// Forget drops all indexed prompts and cached discovery for server.
func (m *PromptManager) Forget(server string) {
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
	for name, p := range m.byName {
		if p.Server == server {
			delete(m.byName, name)
		}
	}
}

// Prompts returns all discovered prompts grouped by server.
func (m *PromptManager) Prompts() map[string][]NamespacedPrompt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]NamespacedPrompt, len(m.byServer))
	for server, prompts := range m.byServer {
		out[server] = append([]NamespacedPrompt(nil), prompts...)
	}
	return out
}

// Resolve maps a prompt identifier to its owning server and
// definition, with the same rules as tool resolution.
func (m *PromptManager) Resolve(id string) (NamespacedPrompt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if np, ok := m.byName[id]; ok {
		return np, true
	}
	if server, name, ok := splitNamespaced(id); ok {
		for _, np := range m.byServer[server] {
			if np.Prompt.Name == name {
				return np, true
			}
		}
	}
	return NamespacedPrompt{}, false
}

// GetPrompt renders the identified prompt with args.
func (m *PromptManager) GetPrompt(ctx context.Context, id string, args map[string]string) (*PromptResult, error) {
	np, ok := m.Resolve(id)
	if !ok {
		return nil, &converrors.NotFoundError{Resource: "prompt", ID: id}
	}

	return ExecuteWithRetry(ctx, m.sessions, np.Server, "get prompt",
		func(ctx context.Context, conn *Conn) (*PromptResult, error) {
			return conn.GetPrompt(ctx, np.Prompt.Name, args)
		})
}
