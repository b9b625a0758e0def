package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const openaiAPIBase = "https://api.openai.com/v1"

// OpenAI implements Provider against the chat-completions API. It also
// serves OpenAI-compatible endpoints (OpenRouter) via WithBaseURL.
type OpenAI struct {
	apiKey  string
	baseURL string
	name    string
	client  *http.Client
	retry   RetryConfig
}

// OpenAIOption mutates the client at construction.
type OpenAIOption func(*OpenAI)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) OpenAIOption {
	return func(p *OpenAI) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithName overrides the provider identifier.
func WithName(name string) OpenAIOption {
	return func(p *OpenAI) { p.name = name }
}

// NewOpenAI creates the client.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	p := &OpenAI{
		apiKey:  apiKey,
		baseURL: openaiAPIBase,
		name:    "openai",
		client:  &http.Client{Timeout: 180 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *OpenAI) Name() string { return p.name }

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model           string      `json:"model"`
	Messages        []oaMessage `json:"messages"`
	Tools           []oaTool    `json:"tools,omitempty"`
	MaxTokens       int         `json:"max_completion_tokens,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// reasoningEfforts maps thinking levels onto the reasoning_effort knob.
var reasoningEfforts = map[string]string{
	"minimal": "low",
	"low":     "low",
	"medium":  "medium",
	"high":    "high",
	"xhigh":   "high",
}

func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := oaRequest{
		Model:     req.Model,
		Messages:  toOpenAIMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		var ot oaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		body.Tools = append(body.Tools, ot)
	}
	if effort, ok := reasoningEfforts[req.Thinking]; ok {
		body.ReasoningEffort = effort
	}

	return retryDo(ctx, p.retry, func() (*ChatResponse, error) {
		resp, err := p.doRequest(ctx, &body)
		if err != nil {
			return nil, err
		}
		return parseOpenAIResponse(resp)
	})
}

func (p *OpenAI) doRequest(ctx context.Context, body *oaRequest) (*oaResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &httpError{status: httpResp.StatusCode, body: truncate(string(raw), 500)}
	}
	var resp oaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s: %s", p.name, resp.Error.Type, resp.Error.Message)
	}
	return &resp, nil
}

func toOpenAIMessages(system string, msgs []protocol.Message) []oaMessage {
	out := make([]oaMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, oaMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleTool:
			for _, b := range m.Content {
				if b.Type != protocol.BlockToolResult {
					continue
				}
				out = append(out, oaMessage{Role: "tool", Content: b.Text, ToolCallID: b.ToolUseID})
			}
		case protocol.RoleAssistant:
			om := oaMessage{Role: "assistant", Content: m.TextContent()}
			for _, b := range m.ToolCalls() {
				var tc oaToolCall
				tc.ID = b.ID
				tc.Type = "function"
				tc.Function.Name = b.Name
				tc.Function.Arguments = string(b.Input)
				om.ToolCalls = append(om.ToolCalls, tc)
			}
			out = append(out, om)
		default:
			out = append(out, oaMessage{Role: "user", Content: m.TextContent()})
		}
	}
	return out
}

func parseOpenAIResponse(resp *oaResponse) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	msg := protocol.Message{Role: protocol.RoleAssistant, Timestamp: time.Now().UnixMilli()}
	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, protocol.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		msg.Content = append(msg.Content, protocol.ContentBlock{
			Type:  protocol.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(args),
		})
	}
	if len(msg.Content) == 0 {
		return nil, ErrEmptyResponse
	}
	stop := "stop"
	switch choice.FinishReason {
	case "tool_calls":
		stop = "tool_use"
	case "length":
		stop = "length"
	}
	return &ChatResponse{
		Message:    msg,
		StopReason: stop,
		Usage:      Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}
