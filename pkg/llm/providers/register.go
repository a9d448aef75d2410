// Package providers registers all built-in LLM provider factories.
//
// Import this package to register the factories with the global
// registry:
//
//	import _ "github.com/tombee/converse/pkg/llm/providers"
//
// Registration does not instantiate anything; call llm.Activate() with
// credentials for the providers you have configured.
package providers

import "github.com/tombee/converse/pkg/llm"

func init() {
	llm.RegisterFactory("anthropic", func(creds llm.Credentials) (llm.Provider, error) {
		return NewAnthropicProvider(creds.APIKey, creds.BaseURL, creds.Model)
	})
	llm.RegisterFactory("openai", func(creds llm.Credentials) (llm.Provider, error) {
		return NewOpenAIProvider(creds.APIKey, creds.BaseURL, creds.Model)
	})
	llm.RegisterFactory("deepseek", func(creds llm.Credentials) (llm.Provider, error) {
		return NewDeepSeekProvider(creds.APIKey, creds.BaseURL, creds.Model)
	})
	llm.RegisterFactory("gemini", func(creds llm.Credentials) (llm.Provider, error) {
		return NewGeminiProvider(creds.APIKey, creds.BaseURL, creds.Model)
	})
	llm.RegisterFactory("ollama", func(creds llm.Credentials) (llm.Provider, error) {
		return NewOllamaProvider(creds.BaseURL, creds.Model)
	})
}
