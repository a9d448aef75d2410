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
	"log/slog"
	"sync"

	converrors "github.com/tombee/converse/pkg/errors"
)

// ConnectionManager builds transport handles for configured servers
// and tracks which servers currently have a live connection. It does
// not open transports itself; the session manager owns entering and
// leaving connections so that teardown order stays centralized.
type ConnectionManager struct {
	config *ConfigProvider
	logger *slog.Logger

	mu        sync.RWMutex
	connected map[string]bool
}

// NewConnectionManager creates a manager over the given config
// provider.
func NewConnectionManager(config *ConfigProvider, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		config:    config,
		logger:    logger,
		connected: make(map[string]bool),
	}
}

// CreateConnection builds an unopened Conn for the named server.
// The caller is responsible for calling Open and, eventually, Close.
func (m *ConnectionManager) CreateConnection(name string) (*Conn, error) {
	cfg, ok := m.config.ServerConfig(name)
	if !ok {
		return nil, &converrors.NotFoundError{Resource: "server", ID: name}
	}
	if !cfg.Active {
		return nil, &converrors.ConnectionError{
			Server:  name,
			Message: "server is not active",
		}
	}

	conn, err := newConn(cfg)
	if err != nil {
		return nil, &converrors.ConnectionError{
			Server:  name,
			Message: "creating transport",
			Cause:   err,
		}
	}

	m.logger.Debug("connection handle created",
		"server", name, "transport", string(cfg.Transport))
	return conn, nil
}

// MarkConnected records that the named server has a live, initialized
// connection.
func (m *ConnectionManager) MarkConnected(name string) {
	m.mu.Lock()
	m.connected[name] = true
	m.mu.Unlock()
}

// MarkDisconnected clears the live-connection flag for name.
func (m *ConnectionManager) MarkDisconnected(name string) {
	m.mu.Lock()
	delete(m.connected, name)
	m.mu.Unlock()
}

// IsConnected reports whether the named server has a live connection.
func (m *ConnectionManager) IsConnected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected[name]
}

// ConnectedServers returns the names of all servers with live
// connections.
func (m *ConnectionManager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.connected))
	for name := range m.connected {
		names = append(names, name)
	}
	return names
}
