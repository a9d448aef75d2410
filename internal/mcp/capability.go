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
	"strings"
	"sync"
)

// serverLocks hands out one mutex per server so discovery for
// different servers can proceed concurrently while discovery for the
// same server is serialized.
type serverLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newServerLocks() *serverLocks {
	return &serverLocks{locks: make(map[string]*sync.Mutex)}
}

// forServer returns the mutex for name, creating it on first use.
func (l *serverLocks) forServer(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	return m
}

// splitNamespaced splits "server/name" into its parts. Only the first
// separator splits, so tool names containing '/' survive intact.
// Returns ok=false when the identifier carries no namespace.
func splitNamespaced(id string) (server, name string, ok bool) {
	server, name, ok = strings.Cut(id, "/")
	if !ok || server == "" || name == "" {
		return "", "", false
	}
	return server, name, true
}
