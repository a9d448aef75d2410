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
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/converse/internal/cache"
	"github.com/tombee/converse/internal/log"
	converrors "github.com/tombee/converse/pkg/errors"
)

// ResourceManager discovers and reads resources across servers.
type ResourceManager struct {
	sessions *SessionManager
	logger   *slog.Logger
	locks    *serverLocks
	cache    *cache.TTL[string, []ResourceDefinition]

	mu       sync.RWMutex
	byServer map[string][]NamespacedResource
	byName   map[string]NamespacedResource
	order    []string
}

// NewResourceManager creates a resource manager over the given
// sessions.
func NewResourceManager(sessions *SessionManager, logger *slog.Logger) *ResourceManager {
	return &ResourceManager{
		sessions: sessions,
		logger:   logger,
		locks:    newServerLocks(),
		cache:    cache.NewTTL[string, []ResourceDefinition](toolCacheTTL),
		byServer: make(map[string][]NamespacedResource),
		byName:   make(map[string]NamespacedResource),
	}
}

// DiscoverResources lists resources from all given servers
// concurrently. Servers without the capability are skipped silently.
func (m *ResourceManager) DiscoverResources(ctx context.Context, servers []string) error {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string][]ResourceDefinition, len(servers))
	var resultsMu sync.Mutex

	for _, server := range servers {
		g.Go(func() error {
			resources, err := m.discoverServer(ctx, server)
			if err != nil {
				m.logger.Warn("resource discovery failed",
					slog.String(log.ServerKey, server), "error", err)
				return nil
			}
			resultsMu.Lock()
			results[server] = resources
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
		resources, ok := results[server]
		if !ok {
			continue
		}
		m.indexServerLocked(server, resources)
	}
	return nil
}

func (m *ResourceManager) discoverServer(ctx context.Context, server string) ([]ResourceDefinition, error) {
	lock := m.locks.forServer(server)
	lock.Lock()
	defer lock.Unlock()

	if resources, ok := m.cache.Get(server); ok {
		return resources, nil
	}

	start := time.Now()
	resources, err := ExecuteWithRetry(ctx, m.sessions, server, "list resources",
		func(ctx context.Context, conn *Conn) ([]ResourceDefinition, error) {
			if !conn.Capabilities().Resources {
				return nil, nil
			}
			return conn.ListResources(ctx)
		})
	if err != nil {
		return nil, err
	}
	discoveryDuration.WithLabelValues(server, "resources").Observe(time.Since(start).Seconds())

	m.cache.Set(server, resources)
	return resources, nil
}

func (m *ResourceManager) indexServerLocked(server string, resources []ResourceDefinition) {
	if _, seen := m.byServer[server]; !seen {
		m.order = append(m.order, server)
	}
	for name, r := range m.byName {
		if r.Server == server {
			delete(m.byName, name)
		}
	}

	namespaced := make([]NamespacedResource, len(resources))
	for i, resource := range resources {
		nr := NamespacedResource{Server: server, Resource: resource}
		namespaced[i] = nr
		m.byName[nr.NamespacedName()] = nr
	}
	m.byServer[server] = namespaced

	for _, s := range m.order {
		for _, nr := range m.byServer[s] {
			if _, taken := m.byName[nr.Resource.Name]; !taken {
				m.byName[nr.Resource.Name] = nr
			}
		}
	}
}

// Forget drops all indexed resources and cached discovery for server.
func (m *ResourceManager) Forget(server string) {
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
	for name, r := range m.byName {
		if r.Server == server {
			delete(m.byName, name)
		}
	}
}

// Resources returns all discovered resources grouped by server.
func (m *ResourceManager) Resources() map[string][]NamespacedResource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]NamespacedResource, len(m.byServer))
	for server, resources := range m.byServer {
		out[server] = append([]NamespacedResource(nil), resources...)
	}
	return out
}

// Resolve maps a resource identifier to its owning server and
// definition. Identifiers may be a namespaced or simple name, or a
// raw URI when the URI was discovered.
func (m *ResourceManager) Resolve(id string) (NamespacedResource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if nr, ok := m.byName[id]; ok {
		return nr, true
	}
	if server, name, ok := splitNamespaced(id); ok {
		for _, nr := range m.byServer[server] {
			if nr.Resource.Name == name {
				return nr, true
			}
		}
	}
	// URIs contain "://", so the namespaced split above cannot have
	// matched a server name.
	if strings.Contains(id, "://") {
		for _, server := range m.order {
			for _, nr := range m.byServer[server] {
				if nr.Resource.URI == id {
					return nr, true
				}
			}
		}
	}
	return NamespacedResource{}, false
}

// ReadResource reads the identified resource's contents.
func (m *ResourceManager) ReadResource(ctx context.Context, id string) ([]ResourceContent, error) {
	nr, ok := m.Resolve(id)
	if !ok {
		return nil, &converrors.NotFoundError{Resource: "resource", ID: id}
	}

	return ExecuteWithRetry(ctx, m.sessions, nr.Server, "read resource",
		func(ctx context.Context, conn *Conn) ([]ResourceContent, error) {
			return conn.ReadResource(ctx, nr.Resource.URI)
		})
}
