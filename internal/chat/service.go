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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	converrors "github.com/tombee/converse/pkg/errors"
	"github.com/tombee/converse/pkg/llm"

	"github.com/tombee/converse/internal/log"
	"github.com/tombee/converse/internal/mcp"
	"github.com/tombee/converse/internal/store"
)

const (
	// DefaultMaxIterations bounds tool-calling rounds per turn.
	DefaultMaxIterations = 20

	// DefaultMaxContextTokens is the default context window budget.
	DefaultMaxContextTokens = 64000
)

// ToolSource is the slice of the MCP hub the loop needs. CallTool
// never returns an error; failures arrive as error-shaped results.
type ToolSource interface {
	ListTools() []mcp.NamespacedTool
	CallTool(ctx context.Context, name string, args map[string]any) *mcp.CallResult
}

// ServiceConfig assembles a chat Service.
type ServiceConfig struct {
	Provider llm.Provider
	Store    store.ConversationStore

	// Tools is optional; without it the loop degrades to plain chat.
	Tools ToolSource

	// Stops is shared with the cancel endpoint. Nil creates a private
	// registry.
	Stops *StopRegistry

	// Context builds per-turn system prompts. Nil uses an empty base
	// prompt.
	Context *ContextBuilder

	// Optimizer fits history into the window. Nil builds one from
	// MaxContextTokens.
	Optimizer *Optimizer

	Logger *slog.Logger

	// Model is the default model for requests that do not name one.
	Model string

	MaxIterations    int
	MaxContextTokens int
}

// Service runs conversation turns: context assembly, provider
// streaming, tool dispatch, and persistence.
type Service struct {
	provider  llm.Provider
	store     store.ConversationStore
	tools     ToolSource
	stops     *StopRegistry
	context   *ContextBuilder
	optimizer *Optimizer
	logger    *slog.Logger
	tracer    trace.Tracer

	model         string
	maxIterations int
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Provider == nil {
		return nil, &converrors.ValidationError{
			Field:   "provider",
			Message: "chat service requires a provider",
		}
	}
	if cfg.Store == nil {
		return nil, &converrors.ValidationError{
			Field:   "store",
			Message: "chat service requires a conversation store",
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "chat")

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	maxContextTokens := cfg.MaxContextTokens
	if maxContextTokens <= 0 {
		maxContextTokens = DefaultMaxContextTokens
	}

	stops := cfg.Stops
	if stops == nil {
		stops = NewStopRegistry()
	}
	builder := cfg.Context
	if builder == nil {
		builder = NewContextBuilder("", logger)
	}
	optimizer := cfg.Optimizer
	if optimizer == nil {
		optimizer = NewOptimizer(maxContextTokens, logger)
	}

	return &Service{
		provider:      cfg.Provider,
		store:         cfg.Store,
		tools:         cfg.Tools,
		stops:         stops,
		context:       builder,
		optimizer:     optimizer,
		logger:        logger,
		tracer:        otel.Tracer("converse/chat"),
		model:         cfg.Model,
		maxIterations: maxIterations,
	}, nil
}

// Stops returns the stop registry shared with cancel endpoints.
func (s *Service) Stops() *StopRegistry { return s.stops }

// Request is one user turn.
type Request struct {
	// ConversationID selects an existing conversation; empty creates
	// one.
	ConversationID string

	UserID  string
	Content string

	// Model overrides the service default for this turn.
	Model string

	// StopKey lets a cancel endpoint interrupt this turn.
	StopKey string
}

// Chat runs one turn and streams events until the turn completes. The
// channel closes when the turn is over; an EventError is always the
// last event of a failed turn.
func (s *Service) Chat(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, &converrors.ValidationError{
			Field:   "content",
			Message: "message content must not be empty",
		}
	}

	conv, history, err := s.loadConversation(ctx, &req)
	if err != nil {
		return nil, err
	}

	userMsg := &store.Message{
		ConversationID: conv.ID,
		Role:           string(llm.MessageRoleUser),
		Content:        req.Content,
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	events := make(chan Event, 16)
	go s.run(ctx, req, conv, history, events)
	return events, nil
}

func (s *Service) loadConversation(ctx context.Context, req *Request) (*store.Conversation, []*store.Message, error) {
	if req.ConversationID == "" {
		conv := &store.Conversation{UserID: req.UserID, Title: truncateTitle(req.Content)}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, nil, fmt.Errorf("creating conversation: %w", err)
		}
		req.ConversationID = conv.ID
		return conv, nil, nil
	}

	conv, err := s.store.Conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, history, nil
}

// turnState accumulates per-turn output for persistence.
type turnState struct {
	content   strings.Builder
	thinking  strings.Builder
	toolCalls []ToolResultEvent
}

func (s *Service) run(ctx context.Context, req Request, conv *store.Conversation, history []*store.Message, events chan<- Event) {
	defer close(events)

	logger := log.WithConversation(s.logger, conv.ID)
	ctx, span := s.tracer.Start(ctx, "chat.turn",
		trace.WithAttributes(attribute.String("conversation.id", conv.ID)))
	defer span.End()

	model := req.Model
	if model == "" {
		model = s.model
	}

	llmTools, mapper := s.gatherTools(logger)
	textMode := len(llmTools) > 0 &&
		!(llm.SupportsNativeTools(model) && s.provider.Capabilities().Tools)

	// The prompt advertises sanitized names in text mode so the
	// model's fenced calls round-trip through the mapper.
	promptTools := llmTools
	if textMode {
		promptTools = mapper.SanitizeTools(llmTools)
	}
	systemPrompt := s.context.SystemPrompt(ctx, req.Content, promptTools, textMode)
	msgs := make([]llm.Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.MessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: llm.MessageRole(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.MessageRoleUser, Content: req.Content})

	state := &turnState{}

	for iteration := 0; iteration < s.maxIterations; iteration++ {
		if s.stopped(ctx, req, conv, state, logger) {
			turnsTotal.WithLabelValues("stopped").Inc()
			return
		}

		optimized, _, err := s.optimizer.Optimize(ctx, msgs)
		if err != nil {
			s.fail(ctx, events, req, conv, state, err, logger)
			return
		}

		completion := llm.CompletionRequest{Model: model, Messages: optimized}
		if len(llmTools) > 0 && !textMode {
			completion.Tools = mapper.SanitizeTools(llmTools)
		}

		iterContent, toolCall, err := s.streamOnce(ctx, completion, textMode, iteration, state, events)
		if err != nil {
			s.fail(ctx, events, req, conv, state, err, logger)
			return
		}

		if s.stopped(ctx, req, conv, state, logger) {
			turnsTotal.WithLabelValues("stopped").Inc()
			return
		}

		if toolCall == nil {
			// Final answer.
			s.persist(ctx, conv.ID, iterContent, state, logger)
			turnsTotal.WithLabelValues("ok").Inc()
			turnIterations.Observe(float64(iteration + 1))
			return
		}

		toolCall.Name = mapper.Original(toolCall.Name)
		if toolCall.ID == "" {
			toolCall.ID = uuid.New().String()
		}
		if !emit(ctx, events, Event{Kind: EventToolCall, ToolCall: toolCall}) {
			return
		}

		result := s.executeTool(ctx, toolCall, logger)
		state.toolCalls = append(state.toolCalls, *result)
		if !emit(ctx, events, Event{Kind: EventToolResult, ToolResult: result}) {
			return
		}

		// The thought and its observation both travel as assistant
		// messages; some providers have no tool role.
		msgs = append(msgs, llm.Message{
			Role:      llm.MessageRoleAssistant,
			Content:   iterContent,
			ToolCalls: []llm.ToolCall{{ID: toolCall.ID, Name: toolCall.Name, Arguments: toolCall.Arguments}},
		})
		msgs = append(msgs, llm.Message{
			Role:    llm.MessageRoleAssistant,
			Content: fmt.Sprintf("Observation from %s: %s", toolCall.Name, result.Content),
		})
	}

	// Iteration cap reached: surface it instead of dropping the turn
	// silently, and keep whatever accumulated.
	note := fmt.Sprintf("Stopped after %d tool calls without a final answer.", s.maxIterations)
	emit(ctx, events, Event{Kind: EventNote, Text: note})
	s.persist(ctx, conv.ID, state.content.String(), state, logger)
	turnsTotal.WithLabelValues("iteration_cap").Inc()
	turnIterations.Observe(float64(s.maxIterations))
}

// streamOnce performs one provider call and returns the visible
// content of this round plus the tool call, if any.
func (s *Service) streamOnce(ctx context.Context, req llm.CompletionRequest, textMode bool, iteration int, state *turnState, events chan<- Event) (string, *ToolCallEvent, error) {
	ctx, span := s.tracer.Start(ctx, "chat.stream",
		trace.WithAttributes(attribute.Int("chat.iteration", iteration)))
	defer span.End()

	chunks, err := s.provider.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var iterContent strings.Builder
	var pending *ToolCallEvent
	parser := llm.NewFenceParser()

	forward := func(text string) bool {
		if text == "" {
			return true
		}
		iterContent.WriteString(text)
		state.content.WriteString(text)
		return emit(ctx, events, Event{Kind: EventContent, Text: text})
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			return iterContent.String(), nil, chunk.Error
		}

		if chunk.Delta.Thinking != "" {
			state.thinking.WriteString(chunk.Delta.Thinking)
			if !emit(ctx, events, Event{Kind: EventThinking, Text: chunk.Delta.Thinking}) {
				return iterContent.String(), nil, ctx.Err()
			}
		}

		if chunk.Delta.Content != "" {
			visible := chunk.Delta.Content
			if textMode {
				visible = parser.Feed(chunk.Delta.Content)
			}
			if !forward(visible) {
				return iterContent.String(), nil, ctx.Err()
			}
		}

		if d := chunk.Delta.ToolCallDelta; d != nil && !textMode {
			// Single call per turn: later indices are dropped.
			if d.Index > 0 {
				continue
			}
			if pending == nil {
				pending = &ToolCallEvent{}
			}
			if d.ID != "" {
				pending.ID = d.ID
			}
			if d.Name != "" {
				pending.Name = d.Name
			}
			pending.Arguments += d.ArgumentsDelta
		}
	}

	if textMode {
		if !forward(parser.Flush()) {
			return iterContent.String(), nil, ctx.Err()
		}
		if call, ok := llm.ParseToolCall(parser.Raw()); ok {
			pending = &ToolCallEvent{Name: call.Name, Arguments: call.Arguments}
		}
	}

	if pending != nil && pending.Arguments == "" {
		pending.Arguments = "{}"
	}
	return iterContent.String(), pending, nil
}

// executeTool dispatches one tool call. It never fails the turn; every
// outcome becomes an observation the model can react to.
func (s *Service) executeTool(ctx context.Context, call *ToolCallEvent, logger *slog.Logger) *ToolResultEvent {
	ctx, span := s.tracer.Start(ctx, "chat.tool",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	result := &ToolResultEvent{ID: call.ID, Name: call.Name}

	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		result.IsError = true
		result.Content = fmt.Sprintf("invalid tool arguments: %v", err)
		toolRounds.WithLabelValues("invalid_args").Inc()
		return result
	}

	if s.tools == nil {
		result.IsError = true
		result.Content = "no tools are available"
		toolRounds.WithLabelValues("unavailable").Inc()
		return result
	}

	callResult := s.tools.CallTool(ctx, call.Name, args)
	result.Content = callResult.Text()
	result.IsError = callResult.IsError

	status := "ok"
	if result.IsError {
		status = "error"
	}
	toolRounds.WithLabelValues(status).Inc()
	logger.Debug("tool round complete",
		log.ToolKey, call.Name,
		"is_error", result.IsError)
	return result
}

// gatherTools converts hub tools to provider form using namespaced
// names.
func (s *Service) gatherTools(logger *slog.Logger) ([]llm.Tool, *llm.ToolNameMapper) {
	mapper := llm.NewToolNameMapper(logger)
	if s.tools == nil {
		return nil, mapper
	}

	hubTools := s.tools.ListTools()
	out := make([]llm.Tool, 0, len(hubTools))
	for _, t := range hubTools {
		tool := llm.Tool{
			Name:        t.NamespacedName(),
			Description: t.Tool.Description,
		}
		if len(t.Tool.InputSchema) > 0 {
			if err := json.Unmarshal(t.Tool.InputSchema, &tool.InputSchema); err != nil {
				logger.Warn("skipping tool with unreadable schema",
					log.ToolKey, tool.Name, "error", err)
				continue
			}
		}
		out = append(out, tool)
	}
	return out, mapper
}

// stopped polls the cooperative stop flag and, when raised, persists
// whatever accumulated so a long partial response is never lost.
func (s *Service) stopped(ctx context.Context, req Request, conv *store.Conversation, state *turnState, logger *slog.Logger) bool {
	if !s.stops.IsStopped(req.StopKey) {
		return false
	}
	logger.Info("turn stopped by request", "stop_key", req.StopKey)
	s.stops.Clear(req.StopKey)
	s.persist(ctx, conv.ID, state.content.String(), state, logger)
	return true
}

// fail ends the turn with a single error event and best-effort partial
// persistence.
func (s *Service) fail(ctx context.Context, events chan<- Event, req Request, conv *store.Conversation, state *turnState, err error, logger *slog.Logger) {
	logger.Error("turn failed", "error", err)
	emit(ctx, events, Event{Kind: EventError, Text: err.Error(), Err: err})
	s.persist(ctx, conv.ID, state.content.String(), state, logger)
	turnsTotal.WithLabelValues("error").Inc()
}

// persist writes the assistant message. Failures are logged, not
// surfaced; the user already has the streamed content.
func (s *Service) persist(ctx context.Context, conversationID, content string, state *turnState, logger *slog.Logger) {
	if content == "" && state.thinking.Len() == 0 && len(state.toolCalls) == 0 {
		return
	}

	var toolCallsJSON string
	if len(state.toolCalls) > 0 {
		if data, err := json.Marshal(state.toolCalls); err == nil {
			toolCallsJSON = string(data)
		}
	}

	msg := &store.Message{
		ConversationID: conversationID,
		Role:           string(llm.MessageRoleAssistant),
		Content:        content,
		Thinking:       state.thinking.String(),
		ToolCalls:      toolCallsJSON,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		logger.Error("persisting assistant message failed", "error", err)
	}
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncateTitle(content string) string {
	title := strings.TrimSpace(content)
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}
