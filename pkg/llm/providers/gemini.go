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
	geminiAPIBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel = "gemini-2.0-flash"
)

// GeminiProvider implements the Google Generative Language API.
type GeminiProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(apiKey, baseURL, defaultModel string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, &converrors.ConfigError{
			Key:    "gemini.api_key",
			Reason: "API key is required",
		}
	}
	if baseURL == "" {
		baseURL = geminiAPIBaseURL
	}
	if defaultModel == "" {
		defaultModel = defaultGeminiModel
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 5 * time.Minute
	cfg.UserAgent = "converse-gemini/1.0"
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP client: %w", err)
	}

	return &GeminiProvider{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   client,
	}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string { return "gemini" }

// Capabilities returns the features supported by this provider.
func (p *GeminiProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Tools: true}
}

// buildAPIRequest converts the request to Gemini's shape. Gemini has
// no tool role; observations travel as functionResponse parts, and the
// system prompt as systemInstruction.
func (p *GeminiProvider) buildAPIRequest(req llm.CompletionRequest) *geminiRequest {
	out := &geminiRequest{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts,
				geminiPart{Text: msg.Content})

		case llm.MessageRoleUser:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})

		case llm.MessageRoleAssistant:
			content := geminiContent{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]interface{}
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]interface{}{}
				}
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}

		case llm.MessageRoleTool:
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     msg.Name,
						Response: map[string]interface{}{"result": msg.Content},
					},
				}},
			})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		out.Tools = []geminiToolset{{FunctionDeclarations: decls}}
	}

	if req.MaxTokens != nil || req.Temperature != nil || len(req.StopSequences) > 0 {
		gc := &geminiGenerationConfig{StopSequences: req.StopSequences}
		if req.MaxTokens != nil {
			gc.MaxOutputTokens = *req.MaxTokens
		}
		gc.Temperature = req.Temperature
		out.GenerationConfig = gc
	}

	return out
}

func (p *GeminiProvider) send(ctx context.Context, req llm.CompletionRequest, endpoint string, sse bool, requestID string) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(p.buildAPIRequest(req))
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("marshaling request: %v", err),
			RequestID: requestID,
		}
	}

	url := fmt.Sprintf("%s/models/%s:%s?key=%s", p.baseURL, model, endpoint, p.apiKey)
	if sse {
		url += "&alt=sse"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("creating request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		msg := string(respBody)
		var errResp geminiErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, &converrors.ProviderError{
			Provider:   "gemini",
			StatusCode: resp.StatusCode,
			Message:    msg,
			RequestID:  requestID,
		}
	}
	return resp, nil
}

// Complete sends a synchronous generateContent request.
func (p *GeminiProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	resp, err := p.send(ctx, req, "generateContent", false, requestID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var apiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &converrors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("parsing response: %v", err),
			RequestID: requestID,
		}
	}
	if len(apiResp.Candidates) == 0 {
		return nil, &converrors.ProviderError{
			Provider:  "gemini",
			Message:   "response contained no candidates",
			RequestID: requestID,
		}
	}

	candidate := apiResp.Candidates[0]
	var content strings.Builder
	var toolCalls []llm.ToolCall
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			content.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        uuid.New().String(),
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}

	out := &llm.CompletionResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: mapGeminiFinishReason(candidate.FinishReason, len(toolCalls) > 0),
		Model:        req.Model,
		RequestID:    requestID,
		Created:      time.Now(),
	}
	if apiResp.UsageMetadata != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      apiResp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// Stream sends a streamGenerateContent request with SSE framing.
func (p *GeminiProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()
	if len(req.Messages) == 0 {
		return nil, &converrors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	resp, err := p.send(ctx, req, "streamGenerateContent", true, requestID)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.StreamChunk, 10)
	go p.processStream(ctx, resp, chunks, requestID)
	return chunks, nil
}

func (p *GeminiProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
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

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event geminiResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if len(event.Candidates) == 0 {
			continue
		}

		candidate := event.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				chunks <- llm.StreamChunk{
					RequestID: requestID,
					Delta:     llm.StreamDelta{Content: part.Text},
				}
			}
			if part.FunctionCall != nil && !sawToolCall {
				// Gemini delivers function calls whole, not as deltas.
				sawToolCall = true
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				chunks <- llm.StreamChunk{
					RequestID: requestID,
					Delta: llm.StreamDelta{ToolCallDelta: &llm.ToolCallDelta{
						ID:             uuid.New().String(),
						Name:           part.FunctionCall.Name,
						ArgumentsDelta: string(args),
					}},
				}
			}
		}

		if event.UsageMetadata != nil {
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Usage: &llm.TokenUsage{
					PromptTokens:     event.UsageMetadata.PromptTokenCount,
					CompletionTokens: event.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      event.UsageMetadata.TotalTokenCount,
				},
			}
		}
		if candidate.FinishReason != "" {
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				FinishReason: mapGeminiFinishReason(candidate.FinishReason, sawToolCall),
			}
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

func mapGeminiFinishReason(reason string, sawToolCall bool) llm.FinishReason {
	if sawToolCall {
		return llm.FinishReasonToolCalls
	}
	switch reason {
	case "STOP":
		return llm.FinishReasonStop
	case "MAX_TOKENS":
		return llm.FinishReasonLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiToolset         `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiToolset struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
