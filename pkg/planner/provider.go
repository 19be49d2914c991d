package planner

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for LLM API providers.
type LLMProvider interface {
	// Complete makes one completion call.
	Complete(ctx context.Context, request CompletionRequest) (*CompletionResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// CompletionRequest contains the request parameters for one completion.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

// CompletionResponse contains the provider reply.
type CompletionResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// NewProvider creates an LLM provider for a profile.
func NewProvider(profile Profile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
