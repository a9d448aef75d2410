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
	"fmt"
	"strings"

	"github.com/tombee/converse/pkg/llm"
)

// ProviderSummarizer condenses evicted history with a model call.
type ProviderSummarizer struct {
	provider llm.Provider
	model    string
}

// NewProviderSummarizer creates a summarizer backed by provider. An
// empty model uses the provider's default.
func NewProviderSummarizer(provider llm.Provider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model}
}

// Summarize implements Summarizer.
func (s *ProviderSummarizer) Summarize(ctx context.Context, msgs []llm.Message, targetTokens int) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}

	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "%s called %s(%s)\n", m.Role, tc.Name, tc.Arguments)
		}
	}

	maxTokens := targetTokens
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Model: s.model,
		Messages: []llm.Message{
			{
				Role: llm.MessageRoleSystem,
				Content: fmt.Sprintf(
					"Summarize the following conversation excerpt in at most %d tokens. Preserve facts, decisions, and tool results the participants may rely on later. Output only the summary.",
					targetTokens),
			},
			{Role: llm.MessageRoleUser, Content: transcript.String()},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarizing history: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
