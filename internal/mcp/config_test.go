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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	converrors "github.com/tombee/converse/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseConfigDocument_MCPServersMap(t *testing.T) {
	servers, err := parseConfigDocument([]byte(`{
		"mcpServers": {
			"calc": {"command": "uvx", "args": ["calc-server"]},
			"web": {"transport": "sse", "url": "http://localhost:8080/sse"}
		}
	}`))
	require.NoError(t, err)
	require.Len(t, servers, 2)

	calc := servers["calc"]
	assert.Equal(t, TransportStdio, calc.Transport)
	assert.Equal(t, "uvx", calc.Command)
	assert.Equal(t, []string{"calc-server"}, calc.Args)
	assert.Equal(t, DefaultTimeout, calc.Timeout)

	web := servers["web"]
	assert.Equal(t, TransportSSE, web.Transport)
	assert.Equal(t, "http://localhost:8080/sse", web.URL)
}

func TestParseConfigDocument_ServersList(t *testing.T) {
	servers, err := parseConfigDocument([]byte(`{
		"servers": [
			{"name": "calc", "command": "uvx", "timeout": 10}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, 10*time.Second, servers["calc"].Timeout)
}

func TestParseConfigDocument_FlatForm(t *testing.T) {
	servers, err := parseConfigDocument([]byte(`{
		"calc": {"command": "uvx"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "calc", servers["calc"].Name)
}

func TestParseServerEntry_Coercions(t *testing.T) {
	servers, err := parseConfigDocument([]byte(`{
		"calc": {
			"command": "uvx",
			"args": "calc-server --verbose",
			"env": ["API_KEY=abc", "MODE=fast"]
		}
	}`))
	require.NoError(t, err)

	calc := servers["calc"]
	assert.Equal(t, []string{"calc-server", "--verbose"}, calc.Args)
	assert.Equal(t, map[string]string{"API_KEY": "abc", "MODE": "fast"}, calc.Env)
}

func TestParseServerEntry_DisabledForms(t *testing.T) {
	servers, err := parseConfigDocument([]byte(`{
		"a": {"command": "x", "active": false},
		"b": {"command": "x", "disabled": true},
		"c": {"command": "x"}
	}`))
	require.NoError(t, err)
	assert.False(t, servers["a"].Active)
	assert.False(t, servers["b"].Active)
	assert.True(t, servers["c"].Active)
}

func TestNormalizeServerConfig_Invariants(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{"missing name", ServerConfig{Command: "x"}, "name"},
		{"slash in name", ServerConfig{Name: "a/b", Command: "x"}, "name"},
		{"stdio without command", ServerConfig{Name: "a", Transport: TransportStdio}, "command"},
		{"sse without url", ServerConfig{Name: "a", Transport: TransportSSE}, "url"},
		{"bad transport", ServerConfig{Name: "a", Transport: "grpc", Command: "x"}, "transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeServerConfig(tt.cfg)
			var verr *converrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}

func TestNormalizeServerConfig_InfersTransport(t *testing.T) {
	cfg, err := normalizeServerConfig(ServerConfig{Name: "web", URL: "http://x/sse"})
	require.NoError(t, err)
	assert.Equal(t, TransportSSE, cfg.Transport)

	cfg, err = normalizeServerConfig(ServerConfig{Name: "calc", Command: "uvx"})
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, cfg.Transport)
}

func TestConfigProvider_ExplicitOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{"calc": {"command": "from-file"}}`)

	p, err := NewConfigProvider(testLogger(),
		WithConfigFile(path),
		WithExplicitServers(map[string]ServerConfig{
			"calc": {Name: "calc", Command: "from-explicit"},
		}))
	require.NoError(t, err)

	cfg, ok := p.ServerConfig("calc")
	require.True(t, ok)
	assert.Equal(t, "from-explicit", cfg.Command)
}

func TestConfigProvider_EnvSupplements(t *testing.T) {
	t.Setenv(EnvServers, `{"extra": {"command": "envcmd"}, "calc": {"command": "envcalc"}}`)
	path := writeConfigFile(t, `{"calc": {"command": "filecalc"}}`)

	p, err := NewConfigProvider(testLogger(), WithConfigFile(path))
	require.NoError(t, err)

	// Environment adds names not already present but never overrides.
	calc, _ := p.ServerConfig("calc")
	assert.Equal(t, "filecalc", calc.Command)
	extra, ok := p.ServerConfig("extra")
	require.True(t, ok)
	assert.Equal(t, "envcmd", extra.Command)
}

func TestConfigProvider_MalformedEnvIgnored(t *testing.T) {
	t.Setenv(EnvServers, `not json`)

	p, err := NewConfigProvider(testLogger())
	require.NoError(t, err)
	assert.Empty(t, p.ServerNames())
}

func TestConfigProvider_MissingFileIsEmpty(t *testing.T) {
	p, err := NewConfigProvider(testLogger(),
		WithConfigFile(filepath.Join(t.TempDir(), "nope.json")))
	require.NoError(t, err)
	assert.Empty(t, p.ServerNames())
}

func TestConfigProvider_Reload(t *testing.T) {
	path := writeConfigFile(t, `{"calc": {"command": "uvx"}}`)
	p, err := NewConfigProvider(testLogger(), WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, []string{"calc"}, p.ServerNames())

	require.NoError(t, os.WriteFile(path, []byte(`{"web": {"url": "http://x/sse"}}`), 0o600))
	require.NoError(t, p.Reload())
	assert.Equal(t, []string{"web"}, p.ServerNames())
}

func TestActiveServerNames_UserFiltering(t *testing.T) {
	p, err := NewConfigProvider(testLogger(), WithExplicitServers(map[string]ServerConfig{
		"shared":   {Name: "shared", Command: "x", Active: true},
		"mine":     {Name: "mine", Command: "x", Active: true, UserID: "user-1"},
		"theirs":   {Name: "theirs", Command: "x", Active: true, UserID: "user-2"},
		"inactive": {Name: "inactive", Command: "x", Active: false},
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"mine", "shared"}, p.ActiveServerNames("user-1"))
	assert.Equal(t, []string{"shared", "theirs"}, p.ActiveServerNames("user-2"))
	assert.Equal(t, []string{"shared"}, p.ActiveServerNames(""))
}

func TestSetAndRemoveServer(t *testing.T) {
	p, err := NewConfigProvider(testLogger())
	require.NoError(t, err)

	require.NoError(t, p.SetServer(ServerConfig{Name: "calc", Command: "uvx", Active: true}))
	_, ok := p.ServerConfig("calc")
	assert.True(t, ok)

	require.NoError(t, p.RemoveServer("calc"))
	_, ok = p.ServerConfig("calc")
	assert.False(t, ok)
}
