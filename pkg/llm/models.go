package llm

import "strings"

// ModelInfo describes one model's capabilities.
type ModelInfo struct {
	// ID is the provider-specific model identifier.
	ID string

	// Name is the human-readable model name.
	Name string

	// MaxTokens is the context window size in tokens.
	MaxTokens int

	// MaxOutputTokens caps a single response. 0 means provider default.
	MaxOutputTokens int

	// SupportsTools reports native function-calling support.
	SupportsTools bool

	// Description notes the model's strengths.
	Description string
}

// GetModelByID returns the model with the given ID, or nil.
func GetModelByID(models []ModelInfo, id string) *ModelInfo {
	for i := range models {
		if models[i].ID == id {
			return &models[i]
		}
	}
	return nil
}

// nativeToolPrefixes lists model ID prefixes known to support native
// function calling. Anything not listed falls back to text mode, where
// the tool protocol is carried in the prompt instead.
var nativeToolPrefixes = []string{
	"gpt-3.5-turbo",
	"gpt-4",
	"gpt-5",
	"o1",
	"o3",
	"claude-3",
	"claude-sonnet",
	"claude-opus",
	"claude-haiku",
	"gemini-1.5",
	"gemini-2",
	"deepseek-chat",
	"deepseek-reasoner",
	"mistral-large",
	"qwen2.5",
	"llama3.1",
	"llama3.2",
	"llama3.3",
}

// SupportsNativeTools reports whether the model can accept structured
// tool definitions in the request. Matching is by ID prefix so dated
// snapshots (gpt-4o-2024-08-06) and size tags (llama3.1:70b) resolve
// like their base model.
func SupportsNativeTools(modelID string) bool {
	id := strings.ToLower(modelID)
	for _, prefix := range nativeToolPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}
