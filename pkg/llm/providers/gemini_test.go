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

	"github.com/tombee/converse/pkg/llm"
)

func TestGemini_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-2.0-flash:generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "user", req.Contents[0].Role)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{{
				"content": map[string]interface{}{
					"role":  "model",
					"parts": []map[string]interface{}{{"text": "Bonjour"}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]int{
				"promptTokenCount":     6,
				"candidatesTokenCount": 2,
				"totalTokenCount":      8,
			},
		})
	}))
	defer server.Close()

	p, err := NewGeminiProvider("test-key", server.URL, "")
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: "Translate to French."},
			{Role: llm.MessageRoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", resp.Content)
	assert.Equal(t, llm.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestGemini_StreamFunctionCall(t *testing.T) {
	events := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Checking."}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"calc_add","args":{"a":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":3,"totalTokenCount":7}}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer server.Close()

	p, err := NewGeminiProvider("key", server.URL, "")
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), userRequest("add"))
	require.NoError(t, err)

	var content string
	var call *llm.ToolCallDelta
	var finish llm.FinishReason
	for _, chunk := range drain(t, ch) {
		require.NoError(t, chunk.Error)
		content += chunk.Delta.Content
		if chunk.Delta.ToolCallDelta != nil {
			call = chunk.Delta.ToolCallDelta
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	assert.Equal(t, "Checking.", content)
	require.NotNil(t, call)
	assert.Equal(t, "calc_add", call.Name)
	assert.JSONEq(t, `{"a":1}`, call.ArgumentsDelta)
	assert.Equal(t, llm.FinishReasonToolCalls, finish)
}

func TestGemini_ToolObservationsBecomeFunctionResponses(t *testing.T) {
	p, err := NewGeminiProvider("key", "http://localhost:1", "")
	require.NoError(t, err)

	req := p.buildAPIRequest(llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleUser, Content: "add"},
			{Role: llm.MessageRoleAssistant, ToolCalls: []llm.ToolCall{
				{ID: "1", Name: "calc_add", Arguments: `{"a":1}`},
			}},
			{Role: llm.MessageRoleTool, Name: "calc_add", Content: "2"},
		},
	})

	require.Len(t, req.Contents, 3)
	assert.NotNil(t, req.Contents[1].Parts[0].FunctionCall)
	fr := req.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "calc_add", fr.Name)
}
