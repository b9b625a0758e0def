// Package providers holds the LLM bindings the session agent calls. The
// core only consumes the Provider interface; the HTTP clients here are
// thin reference implementations over net/http.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// ErrEmptyResponse is returned when the model produced no content at all.
// The session agent treats it as a run error, never as a saved message.
var ErrEmptyResponse = errors.New("providers: empty model response")

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Chat sends one conversation turn and returns the assistant message.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string
}

// ChatRequest is the input for a Chat call.
type ChatRequest struct {
	System    string                    `json:"system,omitempty"`
	Messages  []protocol.Message        `json:"messages"`
	Tools     []protocol.ToolDefinition `json:"tools,omitempty"`
	Model     string                    `json:"model"`
	MaxTokens int                       `json:"maxTokens,omitempty"`
	Thinking  string                    `json:"thinking,omitempty"` // thinking level, provider maps it
}

// ChatResponse is the assistant turn plus accounting.
type ChatResponse struct {
	Message    protocol.Message `json:"message"`
	StopReason string           `json:"stopReason"` // "stop", "tool_use", "length"
	Usage      Usage            `json:"usage"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// New builds a provider by name using the given API key.
func New(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropic(apiKey), nil
	case "openai":
		return NewOpenAI(apiKey), nil
	case "openrouter":
		return NewOpenAI(apiKey, WithBaseURL("https://openrouter.ai/api/v1"), WithName("openrouter")), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
}
