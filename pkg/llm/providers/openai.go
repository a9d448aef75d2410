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

// Package providers contains the concrete LLM provider implementations.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	converrors "github.com/tombee/converse/pkg/errors"
	"github.com/tombee/converse/pkg/llm"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// OpenAIProvider talks to the OpenAI chat completions API, or any
// compatible endpoint (DeepSeek uses the same wire format).
type OpenAIProvider struct {
	name         string
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider against api.openai.com, or a
// compatible baseURL when set.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) (*OpenAIProvider, error) {
	return newOpenAICompatible("openai", apiKey, baseURL, defaultModel, "gpt-4o")
}

// NewDeepSeekProvider creates a provider against the DeepSeek API,
// which speaks the OpenAI wire format.
func NewDeepSeekProvider(apiKey, baseURL, defaultModel string) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = deepseekBaseURL
	}
	return newOpenAICompatible("deepseek", apiKey, baseURL, defaultModel, "deepseek-chat")
}

func newOpenAICompatible(name, apiKey, baseURL, defaultModel, fallbackModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &converrors.ConfigError{
			Key:    name + ".api_key",
			Reason: "API key is required",
		}
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = fallbackModel
	}

	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return p.name }

// Capabilities returns the features supported by this provider.
func (p *OpenAIProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Tools: true}
}

func (p *OpenAIProvider) buildRequest(req llm.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, m)
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Stop:     req.StopSequences,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// Complete sends a synchronous chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, p.wrapError(err, requestID)
	}
	if len(resp.Choices) == 0 {
		return nil, &converrors.ProviderError{
			Provider:  p.name,
			Message:   "response contained no choices",
			RequestID: requestID,
		}
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:     resp.Model,
		RequestID: requestID,
		Created:   time.Now(),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream sends a streaming chat completion request. Tool call deltas
// arrive indexed; only the first tool call is forwarded, later ones
// are dropped to keep the single-call-per-turn contract.
func (p *OpenAIProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, p.wrapError(err, requestID)
	}

	chunks := make(chan llm.StreamChunk, 10)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				chunks <- llm.StreamChunk{
					RequestID:    requestID,
					Error:        p.wrapError(err, requestID),
					FinishReason: llm.FinishReasonError,
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				chunks <- llm.StreamChunk{
					RequestID: requestID,
					Delta:     llm.StreamDelta{Content: choice.Delta.Content},
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				if index > 0 {
					continue
				}
				chunks <- llm.StreamChunk{
					RequestID: requestID,
					Delta: llm.StreamDelta{ToolCallDelta: &llm.ToolCallDelta{
						Index:          index,
						ID:             tc.ID,
						Name:           tc.Function.Name,
						ArgumentsDelta: tc.Function.Arguments,
					}},
				}
			}
			if choice.FinishReason != "" {
				chunks <- llm.StreamChunk{
					RequestID:    requestID,
					FinishReason: mapOpenAIFinishReason(choice.FinishReason),
				}
			}
		}
	}()
	return chunks, nil
}

func (p *OpenAIProvider) wrapError(err error, requestID string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &converrors.ProviderError{
			Provider:   p.name,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			RequestID:  requestID,
			Cause:      err,
		}
	}
	return &converrors.ProviderError{
		Provider:  p.name,
		Message:   fmt.Sprintf("request failed: %v", err),
		RequestID: requestID,
		Cause:     err,
	}
}

func mapOpenAIFinishReason(r openai.FinishReason) llm.FinishReason {
	switch r {
	case openai.FinishReasonStop:
		return llm.FinishReasonStop
	case openai.FinishReasonLength:
		return llm.FinishReasonLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return llm.FinishReasonToolCalls
	case openai.FinishReasonContentFilter:
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}
