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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestToolManager(t *testing.T) *ToolManager {
	t.Helper()
	return NewToolManager(newTestSessionManager(t, nil), testLogger())
}

func TestResolve_NamespacedAndSimple(t *testing.T) {
	m := newTestToolManager(t)
	m.indexServerLocked("calc", []ToolDefinition{
		{Name: "add"}, {Name: "multiply"},
	})
	m.indexServerLocked("math", []ToolDefinition{
		{Name: "add"},
	})

	// Namespaced names resolve to their exact server.
	nt, ok := m.Resolve("calc/add")
	require.True(t, ok)
	assert.Equal(t, "calc", nt.Server)

	nt, ok = m.Resolve("math/add")
	require.True(t, ok)
	assert.Equal(t, "math", nt.Server)

	// A simple name resolves to the first server that exposed it.
	nt, ok = m.Resolve("add")
	require.True(t, ok)
	assert.Equal(t, "calc", nt.Server)

	// Unambiguous simple names resolve normally.
	nt, ok = m.Resolve("multiply")
	require.True(t, ok)
	assert.Equal(t, "calc", nt.Server)

	_, ok = m.Resolve("nope")
	assert.False(t, ok)
	_, ok = m.Resolve("calc/nope")
	assert.False(t, ok)
}

func TestResolve_TieBreakSurvivesReindex(t *testing.T) {
	m := newTestToolManager(t)
	m.indexServerLocked("calc", []ToolDefinition{{Name: "add"}})
	m.indexServerLocked("math", []ToolDefinition{{Name: "add"}})

	// Re-discovering the later server must not steal the simple name.
	m.indexServerLocked("math", []ToolDefinition{{Name: "add"}, {Name: "sqrt"}})

	nt, ok := m.Resolve("add")
	require.True(t, ok)
	assert.Equal(t, "calc", nt.Server)

	nt, ok = m.Resolve("sqrt")
	require.True(t, ok)
	assert.Equal(t, "math", nt.Server)
}

func TestIndex_RemovedToolsStopResolving(t *testing.T) {
	m := newTestToolManager(t)
	m.indexServerLocked("calc", []ToolDefinition{{Name: "add"}, {Name: "old"}})

	m.indexServerLocked("calc", []ToolDefinition{{Name: "add"}})

	_, ok := m.Resolve("old")
	assert.False(t, ok)
	_, ok = m.Resolve("calc/old")
	assert.False(t, ok)
}

func TestForget_DropsServer(t *testing.T) {
	m := newTestToolManager(t)
	m.indexServerLocked("calc", []ToolDefinition{{Name: "add"}})
	m.indexServerLocked("math", []ToolDefinition{{Name: "add"}})

	m.Forget("calc")

	// The surviving server now owns the simple name.
	nt, ok := m.Resolve("add")
	require.True(t, ok)
	assert.Equal(t, "math", nt.Server)

	_, ok = m.Resolve("calc/add")
	assert.False(t, ok)
	assert.Empty(t, m.Tools()["calc"])
}

func TestAllTools_DiscoveryOrder(t *testing.T) {
	m := newTestToolManager(t)
	m.indexServerLocked("calc", []ToolDefinition{{Name: "add"}})
	m.indexServerLocked("math", []ToolDefinition{{Name: "sqrt"}})

	all := m.AllTools()
	require.Len(t, all, 2)
	assert.Equal(t, "calc/add", all[0].NamespacedName())
	assert.Equal(t, "math/sqrt", all[1].NamespacedName())
}

func TestCallTool_UnknownToolNeverRaises(t *testing.T) {
	m := newTestToolManager(t)

	result := m.CallTool(context.Background(), "ghost", nil)
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "ghost")
}

func TestDiscoverServer_ServesFromCache(t *testing.T) {
	m := newTestToolManager(t)

	// A fresh cache entry short-circuits discovery entirely, so no
	// session is needed.
	cached := []ToolDefinition{{Name: "add"}}
	m.cache.Set("calc", cached)

	tools, err := m.discoverServer(context.Background(), "calc")
	require.NoError(t, err)
	assert.Equal(t, cached, tools)
}

func TestSplitNamespaced(t *testing.T) {
	tests := []struct {
		id     string
		server string
		name   string
		ok     bool
	}{
		{"calc/add", "calc", "add", true},
		{"calc/path/to", "calc", "path/to", true},
		{"add", "", "", false},
		{"/add", "", "", false},
		{"calc/", "", "", false},
	}

	for _, tt := range tests {
		server, name, ok := splitNamespaced(tt.id)
		assert.Equal(t, tt.ok, ok, tt.id)
		assert.Equal(t, tt.server, server, tt.id)
		assert.Equal(t, tt.name, name, tt.id)
	}
}

func TestErrorResult_Shape(t *testing.T) {
	r := ErrorResult("boom")
	assert.True(t, r.IsError)
	require.Len(t, r.Content, 1)
	assert.Equal(t, "text", r.Content[0].Type)
	assert.Equal(t, "boom", r.Text())
}
