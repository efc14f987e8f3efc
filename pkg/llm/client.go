// Package llm provides the completion client the research engine calls
// for planning, routing, evaluation, and report writing. Two providers are
// supported, selected by configuration: the OpenAI chat completions API
// and the Anthropic messages API. Both return plain text; structured
// output is parsed downstream with forgiving fallbacks, so the client
// surface stays text-in, text-out.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/models"
)

// ErrEmptyResponse indicates the provider returned no usable text.
var ErrEmptyResponse = errors.New("empty completion response")

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    models.MessageRole
	Content string
}

// Request is a single completion request. Zero MaxTokens and Temperature
// fall back to the configured provider defaults.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the provider's answer plus its token accounting.
type Response struct {
	Text  string
	Usage Usage
}

// Client is the completion interface the engine depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// New builds the configured provider client.
func New(cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return newOpenAIClient(cfg), nil
	case config.LLMProviderAnthropic:
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}
