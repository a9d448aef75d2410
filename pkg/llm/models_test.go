package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSupportsNativeTools(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4o-2024-08-06", true},
		{"gpt-3.5-turbo", true},
		{"claude-3-5-sonnet-20241022", true},
		{"claude-sonnet-4-20250514", true},
		{"gemini-2.0-flash", true},
		{"deepseek-chat", true},
		{"llama3.1:70b", true},
		{"GPT-4o", true},

		{"llama2", false},
		{"phi3", false},
		{"tinyllama", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SupportsNativeTools(tt.model), tt.model)
	}
}

func TestGetModelByID(t *testing.T) {
	models := []ModelInfo{
		{ID: "a", Name: "Model A"},
		{ID: "b", Name: "Model B"},
	}

	got := GetModelByID(models, "b")
	assert.Equal(t, "Model B", got.Name)
	assert.Nil(t, GetModelByID(models, "c"))
}
