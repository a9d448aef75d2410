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

// Package llm defines the provider abstraction for streaming chat
// completions, the model capability table, tool-name sanitization, and
// the text-mode tool-call protocol used when a model has no native
// function calling.
package llm

import (
	"context"
	"time"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// Message is a single conversation message in provider-neutral form.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`

	// ToolCalls carries structured calls on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool-role messages.
	Name string `json:"name,omitempty"`
}

// Tool describes a callable tool exposed to the model.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is the raw JSON arguments object.
	Arguments string `json:"arguments"`
}

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonError         FinishReason = "error"
)

// TokenUsage reports token consumption for one request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is a provider-neutral chat completion request.
type CompletionRequest struct {
	// Model is the provider-specific model ID. Empty selects the
	// provider's default.
	Model string

	// Messages is the full conversation so far, system prompt included.
	Messages []Message

	// Tools advertises callable tools. Providers without native
	// function calling ignore this field; the caller is expected to
	// have built a text-mode prompt instead.
	Tools []Tool

	// MaxTokens caps the response length when set.
	MaxTokens *int

	// Temperature overrides the sampling temperature when set.
	Temperature *float64

	// StopSequences halt generation when emitted.
	StopSequences []string
}

// CompletionResponse is a complete, non-streamed model response.
type CompletionResponse struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        TokenUsage
	Model        string
	RequestID    string
	Created      time.Time
}

// ToolCallDelta is an incremental piece of a streamed tool call.
// The ID and Name arrive on the first delta for an index; subsequent
// deltas carry argument fragments.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// StreamDelta is the incremental payload of one stream chunk.
type StreamDelta struct {
	// Content is visible assistant text.
	Content string

	// Thinking is reasoning text that should not be shown inline with
	// the answer. Only some providers emit it.
	Thinking string

	// ToolCallDelta is a fragment of a structured tool call.
	ToolCallDelta *ToolCallDelta
}

// StreamChunk is one event on a completion stream. A chunk carries a
// delta, a finish reason, usage totals, or an error; the zero chunk is
// a keepalive.
type StreamChunk struct {
	Delta        StreamDelta
	FinishReason FinishReason
	Usage        *TokenUsage
	Error        error
	RequestID    string
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Streaming bool
	Tools     bool
	Models    []ModelInfo
}

// Provider is a chat completion backend.
//
// Stream returns a channel that is closed when the stream ends; a chunk
// with a non-nil Error terminates the stream. Implementations must
// respect context cancellation.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}
