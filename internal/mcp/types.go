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
	"time"
)

// Transport identifies how an MCP server is reached.
type Transport string

const (
	// TransportStdio runs the server as a subprocess speaking JSON-RPC
	// over stdin/stdout.
	TransportStdio Transport = "stdio"
	// TransportSSE connects to a remote server over HTTP Server-Sent Events.
	TransportSSE Transport = "sse"
)

// ServerConfig defines one external MCP server. Configs are normalized
// once at load time and treated as immutable until the next reload.
type ServerConfig struct {
	// Name uniquely identifies the server within a hub
	Name string `json:"name"`

	// Transport selects stdio or sse
	Transport Transport `json:"transport"`

	// Command is the executable to run (stdio only)
	Command string `json:"command,omitempty"`

	// Args are the command-line arguments (stdio only)
	Args []string `json:"args,omitempty"`

	// Env holds extra environment variables for the subprocess (stdio only)
	Env map[string]string `json:"env,omitempty"`

	// URL is the SSE endpoint (sse only)
	URL string `json:"url,omitempty"`

	// Headers are extra HTTP headers for the SSE connection (sse only)
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout is the per-RPC timeout. Defaults to 30s.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Active marks whether the server should be connected at all
	Active bool `json:"active"`

	// UserID scopes the server to a tenant; empty means shared
	UserID string `json:"user_id,omitempty"`
}

// Capabilities records which capability families a server advertised
// during the initialize handshake.
type Capabilities struct {
	Tools     bool
	Prompts   bool
	Resources bool
}

// SessionState is the lifecycle state of a server session.
type SessionState string

const (
	// SessionStateAbsent means no session exists for the server.
	SessionStateAbsent SessionState = "absent"
	// SessionStateConnecting means a session is being established.
	SessionStateConnecting SessionState = "connecting"
	// SessionStateHealthy means the session is usable.
	SessionStateHealthy SessionState = "healthy"
	// SessionStateCooldown means repeated failures put the server in a
	// cooldown window during which new use is refused fast.
	SessionStateCooldown SessionState = "cooldown"
)

// ToolDefinition describes a tool as reported by its server.
type ToolDefinition struct {
	// Name is the server-local tool name
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description,omitempty"`

	// InputSchema is the raw JSON Schema for the tool's arguments
	InputSchema []byte `json:"input_schema,omitempty"`
}

// PromptDefinition describes a prompt template exposed by a server.
type PromptDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
}

// ResourceDefinition describes a resource exposed by a server.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// NamespacedTool pairs a tool with its owning server. The namespaced
// name "server/name" is the unit of disambiguation when two servers
// expose the same simple name.
type NamespacedTool struct {
	Server string
	Tool   ToolDefinition
}

// NamespacedName returns "server/name".
func (t NamespacedTool) NamespacedName() string {
	return t.Server + "/" + t.Tool.Name
}

// NamespacedPrompt pairs a prompt with its owning server.
type NamespacedPrompt struct {
	Server string
	Prompt PromptDefinition
}

// NamespacedName returns "server/name".
func (p NamespacedPrompt) NamespacedName() string {
	return p.Server + "/" + p.Prompt.Name
}

// NamespacedResource pairs a resource with its owning server.
// Resources are namespaced by server-local name, not URI.
type NamespacedResource struct {
	Server   string
	Resource ResourceDefinition
}

// NamespacedName returns "server/name".
func (r NamespacedResource) NamespacedName() string {
	return r.Server + "/" + r.Resource.Name
}

// ContentItem is a single content block in a tool result.
type ContentItem struct {
	// Type is the content type (text, image, resource)
	Type string `json:"type"`

	// Text is the text content (type "text")
	Text string `json:"text,omitempty"`

	// Data is base64-encoded binary content (type "image")
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type of Data
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the normalized result of a tool call. Capability
// managers always return a well-formed CallResult and never propagate
// call failures as errors, so the chat loop can feed failures back to
// the model as observations.
type CallResult struct {
	// IsError marks a failed call
	IsError bool `json:"isError"`

	// Content holds the result content blocks
	Content []ContentItem `json:"content"`
}

// Text concatenates all text content blocks, newline-separated.
func (r *CallResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// ErrorResult fabricates a well-formed error result carrying a single
// text block describing the failure.
func ErrorResult(msg string) *CallResult {
	return &CallResult{
		IsError: true,
		Content: []ContentItem{{Type: "text", Text: msg}},
	}
}

// PromptResult is the normalized result of a get-prompt call.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptMessage is a single rendered prompt message.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResourceContent is one content block of a read-resource call.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ServerStatus is a point-in-time snapshot of a server's runtime state.
type ServerStatus struct {
	Name                string
	State               SessionState
	Connected           bool
	Capabilities        Capabilities
	ToolCount           int
	ConsecutiveFailures int
	TotalFailures       int
	LastFailure         *time.Time
	CooldownRemaining   time.Duration
}
