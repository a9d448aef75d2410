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
	"time"

	"github.com/google/uuid"

	converrors "github.com/tombee/converse/pkg/errors"
	"github.com/tombee/converse/pkg/httpclient"
	"github.com/tombee/converse/pkg/llm"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider talks to a local Ollama daemon over its /api/chat
// NDJSON protocol.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewOllamaProvider creates an Ollama provider. No API key is needed.
func NewOllamaProvider(baseURL, defaultModel string) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if defaultModel == "" {
		defaultModel = "llama3.1"
	}

	cfg := httpclient.DefaultConfig()
	// Local models can be slow to load and generate.
	cfg.Timeout = 10 * time.Minute
	cfg.UserAgent = "converse-ollama/1.0"
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP client: %w", err)
	}

	return &OllamaProvider{
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   client,
	}, nil
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string { return "ollama" }

// Capabilities returns the features supported by this provider.
// Native tool support depends on the loaded model; the capability
// table decides per model ID.
func (p *OllamaProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Tools: false}
}

// DiscoverModels lists installed models via /api/tags.
func (p *OllamaProvider) DiscoverModels(ctx context.Context) ([]llm.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &converrors.ProviderError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	models := make([]llm.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, llm.ModelInfo{
			ID:            m.Name,
			Name:          m.Name,
			SupportsTools: llm.SupportsNativeTools(m.Name),
		})
	}
	return models, nil
}

func (p *OllamaProvider) buildRequest(req llm.CompletionRequest, stream bool) ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]ollamaChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := string(msg.Role)
		if msg.Role == llm.MessageRoleTool {
			role = "tool"
		}
		messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
	}

	out := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		out.Options = map[string]interface{}{}
		if req.Temperature != nil {
			out.Options["temperature"] = *req.Temperature
		}
		if req.MaxTokens != nil {
			out.Options["num_predict"] = *req.MaxTokens
		}
	}
	return out
}

func (p *OllamaProvider) send(ctx context.Context, chatReq ollamaChatRequest, requestID string) (*http.Response, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "ollama",
			Message:   fmt.Sprintf("marshaling request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "ollama",
			Message:   fmt.Sprintf("creating request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "ollama",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &converrors.ProviderError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RequestID:  requestID,
		}
	}
	return resp, nil
}

// Complete sends a non-streaming chat request.
func (p *OllamaProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	resp, err := p.send(ctx, p.buildRequest(req, false), requestID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "ollama",
			Message:   fmt.Sprintf("parsing response: %v", err),
			RequestID: requestID,
		}
	}

	out := &llm.CompletionResponse{
		Content:      chatResp.Message.Content,
		FinishReason: llm.FinishReasonStop,
		Usage: llm.TokenUsage{
			PromptTokens:     chatResp.PromptEvalCount,
			CompletionTokens: chatResp.EvalCount,
			TotalTokens:      chatResp.PromptEvalCount + chatResp.EvalCount,
		},
		Model:     chatResp.Model,
		RequestID: requestID,
		Created:   time.Now(),
	}
	for _, tc := range chatResp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        uuid.New().String(),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = llm.FinishReasonToolCalls
	}
	return out, nil
}

// Stream sends a streaming chat request and forwards NDJSON lines as
// chunks.
func (p *OllamaProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	resp, err := p.send(ctx, p.buildRequest(req, true), requestID)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.StreamChunk, 10)
	go p.processStream(ctx, resp, chunks, requestID)
	return chunks, nil
}

func (p *OllamaProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	sawToolCall := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
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

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event ollamaChatResponse
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Error != "" {
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Error: &converrors.ProviderError{
					Provider:  "ollama",
					Message:   event.Error,
					RequestID: requestID,
				},
				FinishReason: llm.FinishReasonError,
			}
			return
		}

		if event.Message.Content != "" {
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Delta:     llm.StreamDelta{Content: event.Message.Content},
			}
		}
		for _, tc := range event.Message.ToolCalls {
			if sawToolCall {
				break
			}
			sawToolCall = true
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Delta: llm.StreamDelta{ToolCallDelta: &llm.ToolCallDelta{
					ID:             uuid.New().String(),
					Name:           tc.Function.Name,
					ArgumentsDelta: string(args),
				}},
			}
		}

		if event.Done {
			finish := llm.FinishReasonStop
			if sawToolCall {
				finish = llm.FinishReasonToolCalls
			}
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Usage: &llm.TokenUsage{
					PromptTokens:     event.PromptEvalCount,
					CompletionTokens: event.EvalCount,
					TotalTokens:      event.PromptEvalCount + event.EvalCount,
				},
			}
			chunks <- llm.StreamChunk{RequestID: requestID, FinishReason: finish}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		chunks <- llm.StreamChunk{
			RequestID:    requestID,
			Error:        fmt.Errorf("stream read error: %w", err),
			FinishReason: llm.FinishReasonError,
		}
	}
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaChatMessage    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Tools    []ollamaTool           `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model           string            `json:"model"`
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	Error           string            `json:"error,omitempty"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
