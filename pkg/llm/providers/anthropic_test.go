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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	converrors "github.com/tombee/converse/pkg/errors"
	"github.com/tombee/converse/pkg/llm"
)

func userRequest(content string) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: content}},
	}
}

func drain(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func TestNewAnthropicProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicProvider("", "", "")
	var cerr *converrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "anthropic.api_key", cerr.Key)
}

func TestAnthropic_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "You are helpful.", req.System)
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "Hello!"},
				{"type": "tool_use", "id": "tu_1", "name": "calc_add", "input": map[string]int{"a": 1}},
			},
			"model":       "claude-3-5-sonnet-20241022",
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("test-key", server.URL, "")
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: "You are helpful."},
			{Role: llm.MessageRoleUser, Content: "add 1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, llm.FinishReasonToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calc_add", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"a": 1}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestAnthropic_CompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": "authentication_error", "message": "invalid key"},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("bad-key", server.URL, "")
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), userRequest("hi"))
	var perr *converrors.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	assert.Equal(t, "invalid key", perr.Message)
}

func TestAnthropic_EmptyMessagesRejected(t *testing.T) {
	p, err := NewAnthropicProvider("key", "http://localhost:1", "")
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), llm.CompletionRequest{})
	var verr *converrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestAnthropic_StreamTextAndThinking(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" there"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":8,"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("key", server.URL, "")
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	var content, thinking string
	var finish llm.FinishReason
	var usage *llm.TokenUsage
	for _, chunk := range drain(t, ch) {
		require.NoError(t, chunk.Error)
		content += chunk.Delta.Content
		thinking += chunk.Delta.Thinking
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "Hello there", content)
	assert.Equal(t, "hmm", thinking)
	assert.Equal(t, llm.FinishReasonStop, finish)
	require.NotNil(t, usage)
	assert.Equal(t, 11, usage.TotalTokens)
}

func TestAnthropic_StreamToolCallDeltas(t *testing.T) {
	events := []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"calc_add"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"1}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("key", server.URL, "")
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), userRequest("add"))
	require.NoError(t, err)

	var name, id, args string
	var finish llm.FinishReason
	for _, chunk := range drain(t, ch) {
		require.NoError(t, chunk.Error)
		if d := chunk.Delta.ToolCallDelta; d != nil {
			if d.Name != "" {
				name, id = d.Name, d.ID
			}
			args += d.ArgumentsDelta
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	assert.Equal(t, "calc_add", name)
	assert.Equal(t, "tu_1", id)
	assert.JSONEq(t, `{"a":1}`, args)
	assert.Equal(t, llm.FinishReasonToolCalls, finish)
}

func TestAnthropic_StreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"overloaded\"}}\n\n")
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("key", server.URL, "")
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	require.Error(t, last.Error)
	assert.Equal(t, llm.FinishReasonError, last.FinishReason)
}
