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

// Package store persists conversations, messages, and per-user MCP
// server definitions.
package store

import (
	"context"
	"time"
)

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn within a conversation. Role follows the chat
// convention (system, user, assistant, tool).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`

	// Thinking holds model reasoning emitted alongside the answer
	Thinking string `json:"thinking,omitempty"`

	// ToolCalls is a JSON document recording tool invocations and
	// observations made while producing this message
	ToolCalls string `json:"tool_calls,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ServerRecord is a stored per-user MCP server definition. Args, Env,
// and Headers round-trip through JSON columns.
type ServerRecord struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	// TimeoutSeconds is the per-RPC timeout; zero means the default
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// CreateConversation inserts a conversation, assigning an ID when
	// absent.
	CreateConversation(ctx context.Context, conv *Conversation) error

	// Conversation fetches one conversation by ID.
	Conversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns a user's conversations, most recently
	// updated first. limit <= 0 means no limit.
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage inserts a message and bumps the conversation's
	// updated time.
	AppendMessage(ctx context.Context, msg *Message) error

	// Messages returns a conversation's messages in insertion order.
	Messages(ctx context.Context, conversationID string) ([]*Message, error)
}

// ServerStore persists per-user MCP server definitions.
type ServerStore interface {
	// UpsertServer inserts or replaces a server by (user, name).
	UpsertServer(ctx context.Context, rec *ServerRecord) error

	// DeleteServer removes a server definition.
	DeleteServer(ctx context.Context, userID, name string) error

	// ServersForUser returns a user's server definitions sorted by
	// name.
	ServersForUser(ctx context.Context, userID string) ([]*ServerRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	ConversationStore
	ServerStore
	Close() error
}
