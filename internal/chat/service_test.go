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
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	converrors "github.com/tombee/converse/pkg/errors"
	"github.com/tombee/converse/pkg/llm"

	"github.com/tombee/converse/internal/mcp"
	"github.com/tombee/converse/internal/store"
)

// scriptProvider replays one scripted chunk sequence per Stream call.
// Calls past the script repeat the last sequence.
type scriptProvider struct {
	caps      llm.Capabilities
	responses [][]llm.StreamChunk

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func (p *scriptProvider) Name() string                   { return "script" }
func (p *scriptProvider) Capabilities() llm.Capabilities { return p.caps }

func (p *scriptProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, fmt.Errorf("not scripted")
}

func (p *scriptProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	chunks := p.responses[idx]
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptProvider) streamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*store.Conversation
	msgs  map[string][]*store.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[string]*store.Conversation),
		msgs:  make(map[string][]*store.Message),
	}
}

func (s *fakeStore) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	s.convs[conv.ID] = conv
	return nil
}

func (s *fakeStore) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, &converrors.NotFoundError{Resource: "conversation", ID: id}
	}
	return conv, nil
}

func (s *fakeStore) ListConversations(ctx context.Context, userID string, limit int) ([]*store.Conversation, error) {
	return nil, nil
}

func (s *fakeStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	delete(s.msgs, id)
	return nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], msg)
	return nil
}

func (s *fakeStore) Messages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.Message(nil), s.msgs[conversationID]...), nil
}

func (s *fakeStore) allMessages(t *testing.T) []*store.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Message
	for _, msgs := range s.msgs {
		out = append(out, msgs...)
	}
	return out
}

type fakeTools struct {
	tools  []mcp.NamespacedTool
	result *mcp.CallResult

	mu    sync.Mutex
	calls []string
}

func (f *fakeTools) ListTools() []mcp.NamespacedTool { return f.tools }

func (f *fakeTools) CallTool(ctx context.Context, name string, args map[string]any) *mcp.CallResult {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.result != nil {
		return f.result
	}
	return &mcp.CallResult{Content: []mcp.ContentItem{{Type: "text", Text: "ok"}}}
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textChunk(text string) llm.StreamChunk {
	return llm.StreamChunk{Delta: llm.StreamDelta{Content: text}}
}

func finishChunk(reason llm.FinishReason) llm.StreamChunk {
	return llm.StreamChunk{FinishReason: reason}
}

func toolChunk(id, name, args string) llm.StreamChunk {
	return llm.StreamChunk{Delta: llm.StreamDelta{
		ToolCallDelta: &llm.ToolCallDelta{ID: id, Name: name, ArgumentsDelta: args},
	}}
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func calcTools() *fakeTools {
	return &fakeTools{
		tools: []mcp.NamespacedTool{{
			Server: "calc",
			Tool: mcp.ToolDefinition{
				Name:        "add",
				Description: "Add two numbers",
				InputSchema: []byte(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}}}`),
			},
		}},
		result: &mcp.CallResult{Content: []mcp.ContentItem{{Type: "text", Text: "3"}}},
	}
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	cfg.Store = st
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return svc, st
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(ServiceConfig{Store: newFakeStore()})
	require.Error(t, err)
	var verr *converrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "provider", verr.Field)

	_, err = NewService(ServiceConfig{Provider: &scriptProvider{}})
	require.Error(t, err)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "store", verr.Field)
}

func TestChat_RejectsEmptyContent(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{Provider: &scriptProvider{}})

	_, err := svc.Chat(context.Background(), Request{Content: "   "})
	require.Error(t, err)
	var verr *converrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)
}

func TestChat_PlainAnswer(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true},
		responses: [][]llm.StreamChunk{{
			textChunk("Hello"),
			textChunk(" there"),
			finishChunk(llm.FinishReasonStop),
		}},
	}
	svc, st := newTestService(t, ServiceConfig{Provider: provider, Model: "gpt-4o"})

	events, err := svc.Chat(context.Background(), Request{UserID: "u1", Content: "hi"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	content := eventsOfKind(got, EventContent)
	require.Len(t, content, 2)
	assert.Equal(t, "Hello", content[0].Text)
	assert.Empty(t, eventsOfKind(got, EventError))

	msgs := st.allMessages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestChat_NativeToolRound(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true, Tools: true},
		responses: [][]llm.StreamChunk{
			{
				toolChunk("call-1", "calc_add", `{"a":1,`),
				toolChunk("", "", `"b":2}`),
				finishChunk(llm.FinishReasonToolCalls),
			},
			{
				textChunk("The answer is 3."),
				finishChunk(llm.FinishReasonStop),
			},
		},
	}
	tools := calcTools()
	svc, st := newTestService(t, ServiceConfig{
		Provider: provider,
		Tools:    tools,
		Model:    "gpt-4o",
	})

	events, err := svc.Chat(context.Background(), Request{UserID: "u1", Content: "what is 1+2?"})
	require.NoError(t, err)
	got := collectEvents(t, events)

	calls := eventsOfKind(got, EventToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "calc/add", calls[0].ToolCall.Name)
	assert.JSONEq(t, `{"a":1,"b":2}`, calls[0].ToolCall.Arguments)

	results := eventsOfKind(got, EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "3", results[0].ToolResult.Content)
	assert.False(t, results[0].ToolResult.IsError)

	require.Equal(t, 1, tools.callCount())
	assert.Equal(t, 2, provider.streamCalls())

	// The first request carried sanitized tool definitions.
	require.Len(t, provider.requests[0].Tools, 1)
	assert.Equal(t, "calc_add", provider.requests[0].Tools[0].Name)

	msgs := st.allMessages(t)
	require.Len(t, msgs, 2)
	assistant := msgs[1]
	assert.Equal(t, "The answer is 3.", assistant.Content)
	assert.Contains(t, assistant.ToolCalls, "calc/add")
}

func TestChat_TextModeFence(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true, Tools: false},
		responses: [][]llm.StreamChunk{
			{
				textChunk("Let me add those.\n"),
				textChunk("```json\n{\"tool\": \"calc_add\", "),
				textChunk("\"arguments\": {\"a\": 1, \"b\": 2}}\n```"),
				finishChunk(llm.FinishReasonStop),
			},
			{
				textChunk("1 plus 2 is 3."),
				finishChunk(llm.FinishReasonStop),
			},
		},
	}
	tools := calcTools()
	svc, _ := newTestService(t, ServiceConfig{
		Provider: provider,
		Tools:    tools,
		Model:    "llama2",
	})

	events, err := svc.Chat(context.Background(), Request{UserID: "u1", Content: "add 1 and 2"})
	require.NoError(t, err)
	got := collectEvents(t, events)

	// The fenced directive never reaches visible content.
	for _, ev := range eventsOfKind(got, EventContent) {
		assert.NotContains(t, ev.Text, "calc_add")
		assert.NotContains(t, ev.Text, "```")
	}

	calls := eventsOfKind(got, EventToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "calc/add", calls[0].ToolCall.Name)
	assert.NotEmpty(t, calls[0].ToolCall.ID)
	require.Equal(t, 1, tools.callCount())

	// Text mode puts the protocol in the system prompt, not the
	// request tool list.
	assert.Empty(t, provider.requests[0].Tools)
	require.NotEmpty(t, provider.requests[0].Messages)
	system := provider.requests[0].Messages[0]
	assert.Equal(t, llm.MessageRoleSystem, system.Role)
	assert.Contains(t, system.Content, "calc_add")
}

func TestChat_ExtraToolCallsInSameTurnIgnored(t *testing.T) {
	second := 1
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true, Tools: true},
		responses: [][]llm.StreamChunk{
			{
				toolChunk("call-1", "calc_add", `{"a":1,"b":2}`),
				{Delta: llm.StreamDelta{ToolCallDelta: &llm.ToolCallDelta{
					Index: second, ID: "call-2", Name: "calc_add", ArgumentsDelta: `{"a":9}`,
				}}},
				finishChunk(llm.FinishReasonToolCalls),
			},
			{
				textChunk("Done."),
				finishChunk(llm.FinishReasonStop),
			},
		},
	}
	tools := calcTools()
	svc, _ := newTestService(t, ServiceConfig{Provider: provider, Tools: tools, Model: "gpt-4o"})

	events, err := svc.Chat(context.Background(), Request{UserID: "u1", Content: "add twice"})
	require.NoError(t, err)
	got := collectEvents(t, events)

	// One call per turn: the second tool call in the same response is
	// dropped.
	calls := eventsOfKind(got, EventToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ToolCall.ID)
	assert.JSONEq(t, `{"a":1,"b":2}`, calls[0].ToolCall.Arguments)
	assert.Equal(t, 1, tools.callCount())
}

func TestChat_IterationCap(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true, Tools: true},
		responses: [][]llm.StreamChunk{{
			toolChunk("call-1", "calc_add", `{"a":1,"b":2}`),
			finishChunk(llm.FinishReasonToolCalls),
		}},
	}
	tools := calcTools()
	svc, st := newTestService(t, ServiceConfig{
		Provider:      provider,
		Tools:         tools,
		Model:         "gpt-4o",
		MaxIterations: 3,
	})

	events, err := svc.Chat(context.Background(), Request{UserID: "u1", Content: "loop forever"})
	require.NoError(t, err)
	got := collectEvents(t, events)

	assert.Len(t, eventsOfKind(got, EventToolCall), 3)
	assert.Equal(t, 3, tools.callCount())

	notes := eventsOfKind(got, EventNote)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Text, "3 tool calls")
	require.NotEmpty(t, got)
	assert.Equal(t, EventNote, got[len(got)-1].Kind)

	// The tool-call log survives even without a final answer.
	msgs := st.allMessages(t)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].ToolCalls, "calc/add")
}

func TestChat_ProviderErrorEndsTurn(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true},
		responses: [][]llm.StreamChunk{{
			textChunk("partial"),
			{Error: &converrors.ProviderError{Provider: "script", Message: "overloaded", StatusCode: 529}},
		}},
	}
	svc, st := newTestService(t, ServiceConfig{Provider: provider, Model: "gpt-4o"})

	events, err := svc.Chat(context.Background(), Request{UserID: "u1", Content: "hi"})
	require.NoError(t, err)
	got := collectEvents(t, events)

	errs := eventsOfKind(got, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, EventError, got[len(got)-1].Kind)
	var perr *converrors.ProviderError
	require.ErrorAs(t, errs[0].Err, &perr)

	// Partial content is persisted best-effort.
	msgs := st.allMessages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
}

func TestChat_StopFlag(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true},
		responses: [][]llm.StreamChunk{{
			textChunk("never seen"),
			finishChunk(llm.FinishReasonStop),
		}},
	}
	stops := NewStopRegistry()
	svc, _ := newTestService(t, ServiceConfig{Provider: provider, Stops: stops, Model: "gpt-4o"})

	stops.Stop("turn-1")
	events, err := svc.Chat(context.Background(), Request{
		UserID:  "u1",
		Content: "hi",
		StopKey: "turn-1",
	})
	require.NoError(t, err)

	got := collectEvents(t, events)
	assert.Empty(t, got)
	assert.Equal(t, 0, provider.streamCalls())
	assert.False(t, stops.IsStopped("turn-1"), "flag cleared after the stop is honored")
}

func TestChat_InvalidToolArgumentsBecomeObservation(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true, Tools: true},
		responses: [][]llm.StreamChunk{
			{
				toolChunk("call-1", "calc_add", `{"a": not json`),
				finishChunk(llm.FinishReasonToolCalls),
			},
			{
				textChunk("Sorry, I could not call the tool."),
				finishChunk(llm.FinishReasonStop),
			},
		},
	}
	tools := calcTools()
	svc, _ := newTestService(t, ServiceConfig{Provider: provider, Tools: tools, Model: "gpt-4o"})

	events, err := svc.Chat(context.Background(), Request{UserID: "u1", Content: "add"})
	require.NoError(t, err)
	got := collectEvents(t, events)

	results := eventsOfKind(got, EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].ToolResult.IsError)
	assert.Contains(t, results[0].ToolResult.Content, "invalid tool arguments")
	assert.Equal(t, 0, tools.callCount(), "malformed arguments never reach the tool")
	assert.Empty(t, eventsOfKind(got, EventError))
}

func TestChat_ExistingConversationCarriesHistory(t *testing.T) {
	provider := &scriptProvider{
		caps: llm.Capabilities{Streaming: true},
		responses: [][]llm.StreamChunk{{
			textChunk("You said apples."),
			finishChunk(llm.FinishReasonStop),
		}},
	}
	svc, st := newTestService(t, ServiceConfig{Provider: provider, Model: "gpt-4o"})

	ctx := context.Background()
	conv := &store.Conversation{UserID: "u1", Title: "fruit"}
	require.NoError(t, st.CreateConversation(ctx, conv))
	require.NoError(t, st.AppendMessage(ctx, &store.Message{
		ConversationID: conv.ID, Role: "user", Content: "I like apples",
	}))
	require.NoError(t, st.AppendMessage(ctx, &store.Message{
		ConversationID: conv.ID, Role: "assistant", Content: "Noted.",
	}))

	events, err := svc.Chat(ctx, Request{
		ConversationID: conv.ID,
		UserID:         "u1",
		Content:        "what did I say?",
	})
	require.NoError(t, err)
	collectEvents(t, events)

	require.Len(t, provider.requests, 1)
	var contents []string
	for _, m := range provider.requests[0].Messages {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "\n")
	assert.Contains(t, joined, "I like apples")
	assert.Contains(t, joined, "what did I say?")
}
