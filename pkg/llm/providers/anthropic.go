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

package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	converrors "github.com/tombee/converse/pkg/errors"
	"github.com/tombee/converse/pkg/httpclient"
	"github.com/tombee/converse/pkg/llm"
)

const (
	anthropicAPIBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements the Messages API for Claude models.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey, baseURL, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, &converrors.ConfigError{
			Key:    "anthropic.api_key",
			Reason: "API key is required",
		}
	}
	if baseURL == "" {
		baseURL = anthropicAPIBaseURL
	}
	if defaultModel == "" {
		defaultModel = defaultAnthropicModel
	}

	cfg := httpclient.DefaultConfig()
	// Streaming completions can run for minutes.
	cfg.Timeout = 5 * time.Minute
	cfg.UserAgent = "converse-anthropic/1.0"
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP client: %w", err)
	}

	return &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   client,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Capabilities returns the features supported by this provider.
func (p *AnthropicProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Tools: true}
}

// buildAPIRequest converts a CompletionRequest to the Messages API
// shape. System messages collapse into the top-level system field;
// tool observations become user-role tool_result blocks.
func (p *AnthropicProvider) buildAPIRequest(req llm.CompletionRequest, stream bool) *anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var systemPrompt string
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content

		case llm.MessageRoleUser:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []interface{}{anthropicTextContent{Type: "text", Text: msg.Content}},
			})

		case llm.MessageRoleAssistant:
			var content []interface{}
			if msg.Content != "" {
				content = append(content, anthropicTextContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]interface{}
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]interface{}{}
				}
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(content) > 0 {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: content})
			}

		case llm.MessageRoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []interface{}{anthropicToolResultContent{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		}
	}

	maxTokens := defaultAnthropicMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	tools := make([]anthropicTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return &anthropicRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		System:        systemPrompt,
		Temperature:   req.Temperature,
		Tools:         tools,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}
}

func (p *AnthropicProvider) send(ctx context.Context, apiReq *anthropicRequest, requestID string) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("marshaling request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("creating request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		var errResp anthropicErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &converrors.ProviderError{
				Provider:   "anthropic",
				StatusCode: resp.StatusCode,
				Message:    errResp.Error.Message,
				Suggestion: anthropicSuggestion(resp.StatusCode),
				RequestID:  requestID,
			}
		}
		return nil, &converrors.ProviderError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(respBody)),
			RequestID:  requestID,
		}
	}
	return resp, nil
}

func anthropicSuggestion(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Check that your API key is valid and correctly configured"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded; retry after a short delay"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "Anthropic API is experiencing issues; retry after a short delay"
	default:
		return ""
	}
}

// Complete sends a synchronous completion request.
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	resp, err := p.send(ctx, p.buildAPIRequest(req, false), requestID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("parsing response: %v", err),
			RequestID: requestID,
		}
	}

	var content, thinking strings.Builder
	var toolCalls []llm.ToolCall
	for _, block := range apiResp.Content {
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok {
				content.WriteString(text)
			}
		case "thinking":
			if text, ok := block["thinking"].(string); ok {
				thinking.WriteString(text)
			}
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			input, err := json.Marshal(block["input"])
			if err != nil {
				input = []byte("{}")
			}
			toolCalls = append(toolCalls, llm.ToolCall{ID: id, Name: name, Arguments: string(input)})
		}
	}

	return &llm.CompletionResponse{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    toolCalls,
		FinishReason: mapAnthropicStopReason(apiResp.StopReason),
		Usage: llm.TokenUsage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Model:     apiResp.Model,
		RequestID: requestID,
		Created:   time.Now(),
	}, nil
}

// Stream sends a streaming completion request.
func (p *AnthropicProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	resp, err := p.send(ctx, p.buildAPIRequest(req, true), requestID)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.StreamChunk, 10)
	go p.processStream(ctx, resp, chunks, requestID)
	return chunks, nil
}

// processStream reads the Messages API SSE stream and forwards
// normalized chunks.
func (p *AnthropicProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var currentToolCall *llm.ToolCallDelta
	var toolCallIndex int

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        ctx.Err(),
				FinishReason: llm.FinishReasonError,
			}
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        fmt.Errorf("stream read error: %w", err),
				FinishReason: llm.FinishReasonError,
			}
			return
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock == nil {
				continue
			}
			if event.ContentBlock["type"] == "tool_use" {
				id, _ := event.ContentBlock["id"].(string)
				name, _ := event.ContentBlock["name"].(string)
				currentToolCall = &llm.ToolCallDelta{Index: toolCallIndex, ID: id, Name: name}
				toolCallIndex++

				// Single call per turn: only the first is forwarded.
				if currentToolCall.Index == 0 {
					chunks <- llm.StreamChunk{
						RequestID: requestID,
						Delta:     llm.StreamDelta{ToolCallDelta: currentToolCall},
					}
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta["type"] {
			case "text_delta":
				if text, _ := event.Delta["text"].(string); text != "" {
					chunks <- llm.StreamChunk{
						RequestID: requestID,
						Delta:     llm.StreamDelta{Content: text},
					}
				}
			case "thinking_delta":
				if text, _ := event.Delta["thinking"].(string); text != "" {
					chunks <- llm.StreamChunk{
						RequestID: requestID,
						Delta:     llm.StreamDelta{Thinking: text},
					}
				}
			case "input_json_delta":
				partial, _ := event.Delta["partial_json"].(string)
				if partial != "" && currentToolCall != nil && currentToolCall.Index == 0 {
					chunks <- llm.StreamChunk{
						RequestID: requestID,
						Delta: llm.StreamDelta{ToolCallDelta: &llm.ToolCallDelta{
							Index:          currentToolCall.Index,
							ArgumentsDelta: partial,
						}},
					}
				}
			}

		case "content_block_stop":
			currentToolCall = nil

		case "message_delta":
			if event.Delta != nil {
				if stopReason, _ := event.Delta["stop_reason"].(string); stopReason != "" {
					chunks <- llm.StreamChunk{
						RequestID:    requestID,
						FinishReason: mapAnthropicStopReason(stopReason),
					}
				}
			}
			if event.Usage != nil {
				chunks <- llm.StreamChunk{
					RequestID: requestID,
					Usage: &llm.TokenUsage{
						PromptTokens:     event.Usage.InputTokens,
						CompletionTokens: event.Usage.OutputTokens,
						TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
					},
				}
			}

		case "message_stop":
			return

		case "error":
			errMsg := "unknown streaming error"
			if event.Error != nil {
				if msg, ok := event.Error["message"].(string); ok {
					errMsg = msg
				}
			}
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Error: &converrors.ProviderError{
					Provider:  "anthropic",
					Message:   errMsg,
					RequestID: requestID,
				},
				FinishReason: llm.FinishReasonError,
			}
			return
		}
	}
}

func mapAnthropicStopReason(stopReason string) llm.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonLength
	case "tool_use":
		return llm.FinishReasonToolCalls
	case "content_filtered":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string        `json:"role"`
	Content []interface{} `json:"content"`
}

type anthropicTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolResultContent struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                   `json:"id"`
	Content    []map[string]interface{} `json:"content"`
	Model      string                   `json:"model"`
	StopReason string                   `json:"stop_reason"`
	Usage      anthropicUsage           `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index,omitempty"`
	ContentBlock map[string]interface{} `json:"content_block,omitempty"`
	Delta        map[string]interface{} `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Error        map[string]interface{} `json:"error,omitempty"`
}
