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

package chat

import "sync"

// StopRegistry is an in-process map of stop flags. A cancel endpoint
// sets a flag under the turn's stop key; the loop polls it between
// awaited steps and winds down cooperatively.
type StopRegistry struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

// NewStopRegistry creates an empty registry.
func NewStopRegistry() *StopRegistry {
	return &StopRegistry{flags: make(map[string]struct{})}
}

// Stop raises the flag for key.
func (r *StopRegistry) Stop(key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[key] = struct{}{}
}

// Clear lowers the flag for key.
func (r *StopRegistry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, key)
}

// IsStopped reports whether the flag for key is raised.
func (r *StopRegistry) IsStopped(key string) bool {
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flags[key]
	return ok
}
