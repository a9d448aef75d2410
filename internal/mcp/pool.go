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

	"github.com/tombee/converse/internal/log"
	"github.com/tombee/converse/internal/store"
)

// Pool hands out one Hub per user, building hubs lazily from stored
// server definitions. The pool is an injected dependency, not a
// process-wide singleton, so tests and multi-pool deployments can run
// isolated instances.
type Pool struct {
	servers store.ServerStore
	logger  *slog.Logger

	// configPath optionally adds a shared file-based config layer to
	// every hub
	configPath string

	sessionOpts []SessionOption

	// mu guards hubs; one mutex is enough because hub construction is
	// rare and fast compared to hub use.
	mu   sync.Mutex
	hubs map[string]*Hub
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithSharedConfigFile layers a shared JSON server config under every
// user's stored definitions.
func WithSharedConfigFile(path string) PoolOption {
	return func(p *Pool) { p.configPath = path }
}

// WithSessionOptions passes session tuning through to every hub.
func WithSessionOptions(opts ...SessionOption) PoolOption {
	return func(p *Pool) { p.sessionOpts = opts }
}

// NewPool creates a pool backed by the given server store.
func NewPool(servers store.ServerStore, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		servers: servers,
		logger:  log.WithComponent(logger, "pool"),
		hubs:    make(map[string]*Hub),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HubForUser returns the user's hub, creating and initializing it on
// first use.
func (p *Pool) HubForUser(ctx context.Context, userID string) (*Hub, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if hub, ok := p.hubs[userID]; ok {
		return hub, nil
	}

	hub, err := p.buildHubLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.hubs[userID] = hub
	return hub, nil
}

func (p *Pool) buildHubLocked(ctx context.Context, userID string) (*Hub, error) {
	configs, err := p.loadServerConfigs(ctx, userID)
	if err != nil {
		return nil, err
	}

	hub, err := NewHub(HubConfig{
		UserID:         userID,
		ConfigPath:     p.configPath,
		Servers:        configs,
		Logger:         p.logger,
		SessionOptions: p.sessionOpts,
	})
	if err != nil {
		return nil, err
	}

	if err := hub.Initialize(ctx); err != nil {
		hub.Shutdown()
		return nil, err
	}

	p.logger.Info("hub created",
		slog.String(log.UserIDKey, userID), "servers", len(configs))
	return hub, nil
}

// loadServerConfigs translates the user's stored server rows into
// runtime configs.
func (p *Pool) loadServerConfigs(ctx context.Context, userID string) (map[string]ServerConfig, error) {
	records, err := p.servers.ServersForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	configs := make(map[string]ServerConfig, len(records))
	for _, rec := range records {
		configs[rec.Name] = recordToConfig(rec)
	}
	return configs, nil
}

// recordToConfig maps a stored server row to a runtime ServerConfig.
func recordToConfig(rec *store.ServerRecord) ServerConfig {
	cfg := ServerConfig{
		Name:      rec.Name,
		Transport: Transport(rec.Transport),
		Command:   rec.Command,
		Args:      rec.Args,
		Env:       rec.Env,
		URL:       rec.URL,
		Headers:   rec.Headers,
		Active:    rec.Active,
		UserID:    rec.UserID,
	}
	if rec.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(rec.TimeoutSeconds * float64(time.Second))
	}
	return cfg
}

// RefreshUser rebuilds the user's hub from current stored definitions.
// Server definition changes take effect through a full recreate rather
// than in-place mutation, so there is never a half-updated hub.
func (p *Pool) RefreshUser(ctx context.Context, userID string) (*Hub, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.hubs[userID]
	delete(p.hubs, userID)

	hub, err := p.buildHubLocked(ctx, userID)
	if err != nil {
		// Old hub is already detached; close it anyway so its servers
		// do not leak.
		if old != nil {
			p.closeHub(userID, old)
		}
		return nil, err
	}
	p.hubs[userID] = hub

	if old != nil {
		p.closeHub(userID, old)
	}
	return hub, nil
}

// CloseUser shuts down and forgets the user's hub, if any.
func (p *Pool) CloseUser(userID string) {
	p.mu.Lock()
	hub := p.hubs[userID]
	delete(p.hubs, userID)
	p.mu.Unlock()

	if hub != nil {
		p.closeHub(userID, hub)
	}
}

// closeHub shuts a hub down best-effort; teardown failures are logged,
// never propagated, because the hub is already unreachable.
func (p *Pool) closeHub(userID string, hub *Hub) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during hub shutdown",
				slog.String(log.UserIDKey, userID), "panic", r)
		}
	}()
	hub.Shutdown()
}

// Close shuts down every hub in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	hubs := p.hubs
	p.hubs = make(map[string]*Hub)
	p.mu.Unlock()

	for userID, hub := range hubs {
		p.closeHub(userID, hub)
	}
	p.logger.Info("pool closed", "hubs", len(hubs))
}

// ActiveUsers returns the user IDs with live hubs.
func (p *Pool) ActiveUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]string, 0, len(p.hubs))
	for userID := range p.hubs {
		users = append(users, userID)
	}
	return users
}
