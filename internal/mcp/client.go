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
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
)

// clientName identifies this client in the MCP initialize handshake.
const clientName = "converse"

// clientVersion is reported to servers during initialize.
const clientVersion = "0.1.0"

// Conn wraps a single MCP server connection. A Conn is created
// unopened; Open starts the transport and performs the initialize
// handshake. All RPC methods require a prior successful Open.
type Conn struct {
	name    string
	cfg     ServerConfig
	client  *client.Client
	caps    Capabilities
	timeout time.Duration
	opened  bool
}

// newConn builds the underlying transport client without starting it.
func newConn(cfg ServerConfig) (*Conn, error) {
	var mcpClient *client.Client
	var err error

	switch cfg.Transport {
	case TransportStdio:
		mcpClient, err = client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	case TransportSSE:
		if len(cfg.Headers) > 0 {
			mcpClient, err = client.NewSSEMCPClient(cfg.URL, client.WithHeaders(cfg.Headers))
		} else {
			mcpClient, err = client.NewSSEMCPClient(cfg.URL)
		}
	default:
		return nil, fmt.Errorf("server %q: unsupported transport %q", cfg.Name, cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("creating client for server %q: %w", cfg.Name, err)
	}

	return &Conn{
		name:    cfg.Name,
		cfg:     cfg,
		client:  mcpClient,
		timeout: cfg.Timeout,
	}, nil
}

// envList flattens an env map to sorted KEY=VALUE form for the stdio
// transport.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Open starts the transport and performs the initialize handshake,
// recording the capabilities the server advertised.
func (c *Conn) Open(ctx context.Context) error {
	if c.opened {
		return nil
	}

	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("starting transport for server %q: %w", c.name, err)
	}

	initReq := mcpproto.InitializeRequest{
		Params: mcpproto.InitializeParams{
			ProtocolVersion: mcpproto.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcpproto.ClientCapabilities{},
			ClientInfo: mcpproto.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	}
	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		_ = c.client.Close()
		return fmt.Errorf("initialize failed for server %q: %w", c.name, err)
	}

	serverCaps := c.client.GetServerCapabilities()
	c.caps = Capabilities{
		Tools:     serverCaps.Tools != nil,
		Prompts:   serverCaps.Prompts != nil,
		Resources: serverCaps.Resources != nil,
	}
	c.opened = true
	return nil
}

// Name returns the server name.
func (c *Conn) Name() string { return c.name }

// Capabilities returns the capabilities advertised at initialize time.
func (c *Conn) Capabilities() Capabilities { return c.caps }

// Ping checks that the server is still responsive.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed for server %q: %w", c.name, err)
	}
	return nil
}

// ListTools retrieves the server's tool definitions.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	tools := make([]ToolDefinition, len(result.Tools))
	for i, tool := range result.Tools {
		schema, err := toolSchemaBytes(tool)
		if err != nil {
			return nil, err
		}
		tools[i] = ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
	}
	return tools, nil
}

// toolSchemaBytes extracts the raw input schema, falling back to
// re-marshalling the structured form when no raw schema was sent.
func toolSchemaBytes(tool mcpproto.Tool) ([]byte, error) {
	if len(tool.RawInputSchema) > 0 {
		return tool.RawInputSchema, nil
	}
	toolBytes, err := tool.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshalling tool %s: %w", tool.Name, err)
	}
	var toolMap map[string]json.RawMessage
	if err := json.Unmarshal(toolBytes, &toolMap); err != nil {
		return nil, fmt.Errorf("unmarshalling tool %s: %w", tool.Name, err)
	}
	return toolMap["inputSchema"], nil
}

// CallTool invokes a tool by its server-local name. Transport errors
// are returned as errors; a tool-reported failure comes back as a
// CallResult with IsError set.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.CallTool(ctx, mcpproto.CallToolRequest{
		Params: mcpproto.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool call %s failed: %w", name, err)
	}

	out := &CallResult{
		IsError: result.IsError,
		Content: make([]ContentItem, len(result.Content)),
	}
	for i, content := range result.Content {
		out.Content[i] = coerceContent(content)
	}
	return out, nil
}

// coerceContent normalizes a protocol content block into a ContentItem,
// falling back to JSON field extraction for unknown types.
func coerceContent(content mcpproto.Content) ContentItem {
	if text, ok := mcpproto.AsTextContent(content); ok {
		return ContentItem{Type: text.Type, Text: text.Text}
	}
	if img, ok := mcpproto.AsImageContent(content); ok {
		return ContentItem{Type: img.Type, Data: img.Data, MimeType: img.MIMEType}
	}

	var item ContentItem
	raw, err := json.Marshal(content)
	if err != nil {
		return ContentItem{Type: "text", Text: fmt.Sprintf("%v", content)}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ContentItem{Type: "text", Text: string(raw)}
	}
	if t, ok := fields["type"].(string); ok {
		item.Type = t
	}
	if t, ok := fields["text"].(string); ok {
		item.Text = t
	}
	if d, ok := fields["data"].(string); ok {
		item.Data = d
	}
	if m, ok := fields["mimeType"].(string); ok {
		item.MimeType = m
	}
	return item
}

// ListPrompts retrieves the server's prompt definitions.
func (c *Conn) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.ListPrompts(ctx, mcpproto.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing prompts: %w", err)
	}

	prompts := make([]PromptDefinition, len(result.Prompts))
	for i, p := range result.Prompts {
		args := make([]string, len(p.Arguments))
		for j, a := range p.Arguments {
			args[j] = a.Name
		}
		prompts[i] = PromptDefinition{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		}
	}
	return prompts, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Conn) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.GetPrompt(ctx, mcpproto.GetPromptRequest{
		Params: mcpproto.GetPromptParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting prompt %s: %w", name, err)
	}

	out := &PromptResult{
		Description: result.Description,
		Messages:    make([]PromptMessage, len(result.Messages)),
	}
	for i, msg := range result.Messages {
		item := coerceContent(msg.Content)
		out.Messages[i] = PromptMessage{
			Role:    string(msg.Role),
			Content: item.Text,
		}
	}
	return out, nil
}

// ListResources retrieves the server's resource definitions.
func (c *Conn) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.ListResources(ctx, mcpproto.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}

	resources := make([]ResourceDefinition, len(result.Resources))
	for i, r := range result.Resources {
		resources[i] = ResourceDefinition{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MIMEType,
		}
	}
	return resources, nil
}

// ReadResource reads the contents of a resource by URI.
func (c *Conn) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.ReadResource(ctx, mcpproto.ReadResourceRequest{
		Params: mcpproto.ReadResourceParams{URI: uri},
	})
	if err != nil {
		return nil, fmt.Errorf("reading resource %s: %w", uri, err)
	}

	contents := make([]ResourceContent, len(result.Contents))
	for i, content := range result.Contents {
		var item ResourceContent
		if text, ok := mcpproto.AsTextResourceContents(content); ok {
			item = ResourceContent{URI: text.URI, MimeType: text.MIMEType, Text: text.Text}
		} else if blob, ok := mcpproto.AsBlobResourceContents(content); ok {
			item = ResourceContent{URI: blob.URI, MimeType: blob.MIMEType, Blob: blob.Blob}
		}
		contents[i] = item
	}
	return contents, nil
}

// Close shuts down the transport. For stdio servers this terminates
// the subprocess.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	c.opened = false
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("closing connection to server %q: %w", c.name, err)
	}
	return nil
}
