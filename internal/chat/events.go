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

// Package chat drives the tool-calling conversation loop: it builds
// context, streams provider output, executes requested tools through
// the MCP hub, and persists the resulting messages.
package chat

// EventKind classifies a streamed conversation event.
type EventKind string

const (
	// EventThinking carries model reasoning not shown inline.
	EventThinking EventKind = "thinking"

	// EventContent carries visible assistant text.
	EventContent EventKind = "content"

	// EventToolCall announces a tool invocation.
	EventToolCall EventKind = "tool_call"

	// EventToolResult carries the observation from a tool invocation.
	EventToolResult EventKind = "tool_result"

	// EventNote carries loop housekeeping text, such as the notice
	// emitted when the iteration cap is reached.
	EventNote EventKind = "note"

	// EventError ends the turn with a failure.
	EventError EventKind = "error"
)

// ToolCallEvent describes a tool invocation the model requested.
type ToolCallEvent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultEvent describes the observation for one tool invocation.
type ToolResultEvent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Event is one item on a conversation turn's stream.
type Event struct {
	Kind       EventKind        `json:"kind"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallEvent   `json:"tool_call,omitempty"`
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`
	Err        error            `json:"-"`
}
