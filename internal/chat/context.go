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

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tombee/converse/pkg/llm"
)

// Snippet is a piece of retrieved context with its origin.
type Snippet struct {
	Source  string
	Content string
}

// SnippetProvider retrieves context snippets for a user query.
// Knowledge bases and web search plug in behind this interface.
type SnippetProvider interface {
	Snippets(ctx context.Context, query string) ([]Snippet, error)
}

// ContextBuilder assembles the system prompt for a turn from the base
// prompt, retrieved knowledge, web results, and, in text mode, the
// tool-calling instructions.
type ContextBuilder struct {
	basePrompt string
	knowledge  SnippetProvider
	web        SnippetProvider
	logger     *slog.Logger
}

// ContextBuilderOption customizes a ContextBuilder.
type ContextBuilderOption func(*ContextBuilder)

// WithKnowledge attaches a knowledge-base snippet provider.
func WithKnowledge(p SnippetProvider) ContextBuilderOption {
	return func(b *ContextBuilder) { b.knowledge = p }
}

// WithWebSearch attaches a web search snippet provider.
func WithWebSearch(p SnippetProvider) ContextBuilderOption {
	return func(b *ContextBuilder) { b.web = p }
}

// NewContextBuilder creates a builder around basePrompt.
func NewContextBuilder(basePrompt string, logger *slog.Logger, opts ...ContextBuilderOption) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &ContextBuilder{basePrompt: basePrompt, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SystemPrompt renders the system prompt for one turn. Snippet
// provider failures are logged and skipped; retrieval never blocks a
// turn. In text mode the tool protocol instructions are appended.
func (b *ContextBuilder) SystemPrompt(ctx context.Context, query string, tools []llm.Tool, textMode bool) string {
	var sections []string
	if b.basePrompt != "" {
		sections = append(sections, b.basePrompt)
	}

	if section := b.section(ctx, b.knowledge, "Relevant knowledge", query); section != "" {
		sections = append(sections, section)
	}
	if section := b.section(ctx, b.web, "Web search results", query); section != "" {
		sections = append(sections, section)
	}

	prompt := strings.Join(sections, "\n\n")
	if textMode && len(tools) > 0 {
		return llm.BuildTextModePrompt(prompt, tools)
	}
	return prompt
}

func (b *ContextBuilder) section(ctx context.Context, provider SnippetProvider, heading, query string) string {
	if provider == nil {
		return ""
	}

	snippets, err := provider.Snippets(ctx, query)
	if err != nil {
		b.logger.Warn("context retrieval failed", "section", heading, "error", err)
		return ""
	}
	if len(snippets) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(heading)
	sb.WriteString(":\n")
	for _, s := range snippets {
		sb.WriteString("- ")
		if s.Source != "" {
			sb.WriteString("[")
			sb.WriteString(s.Source)
			sb.WriteString("] ")
		}
		sb.WriteString(s.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
