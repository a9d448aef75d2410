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

package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ToolNameMapper translates between original tool names (which may be
// namespaced, "server/tool") and the [A-Za-z0-9_-] names that strict
// function-calling APIs require. The mapping is kept bijective: when
// two originals sanitize to the same clean name, later ones get a
// numeric suffix and the collision is logged.
type ToolNameMapper struct {
	mu      sync.Mutex
	toClean map[string]string
	toOrig  map[string]string
	logger  *slog.Logger
}

// NewToolNameMapper creates an empty mapper. A nil logger falls back
// to slog.Default().
func NewToolNameMapper(logger *slog.Logger) *ToolNameMapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolNameMapper{
		toClean: make(map[string]string),
		toOrig:  make(map[string]string),
		logger:  logger,
	}
}

// Sanitize returns the API-safe name for original, registering it on
// first use. Repeated calls with the same original are stable.
func (m *ToolNameMapper) Sanitize(original string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if clean, ok := m.toClean[original]; ok {
		return clean
	}

	clean := sanitizeToolName(original)
	if owner, taken := m.toOrig[clean]; taken && owner != original {
		base := clean
		for i := 2; ; i++ {
			clean = fmt.Sprintf("%s_%d", base, i)
			if _, taken := m.toOrig[clean]; !taken {
				break
			}
		}
		m.logger.Warn("tool name collision after sanitization",
			"original", original,
			"conflicts_with", owner,
			"assigned", clean)
	}

	m.toClean[original] = clean
	m.toOrig[clean] = original
	return clean
}

// Original returns the original name for a sanitized one. Unknown
// names pass through unchanged so text-mode models that echo a raw
// namespaced name still dispatch.
func (m *ToolNameMapper) Original(clean string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if orig, ok := m.toOrig[clean]; ok {
		return orig
	}
	return clean
}

// SanitizeTools returns a copy of tools with API-safe names, recording
// the mapping for reverse lookup at dispatch time.
func (m *ToolNameMapper) SanitizeTools(tools []Tool) []Tool {
	out := make([]Tool, len(tools))
	for i, t := range tools {
		out[i] = t
		out[i].Name = m.Sanitize(t.Name)
	}
	return out
}

func sanitizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
