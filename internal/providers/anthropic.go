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

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 8192
)

// Anthropic implements Provider against the Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   RetryConfig
}

// AnthropicOption mutates the client at construction.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL points the client at a different endpoint.
func WithAnthropicBaseURL(u string) AnthropicOption {
	return func(p *Anthropic) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// NewAnthropic creates the client.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	p := &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicAPIBase,
		client:  &http.Client{Timeout: 180 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Anthropic) Name() string { return "anthropic" }

type anthropicContent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string     `json:"tool_use_id,omitempty"`
	Content   string     `json:"content,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
	Source    *imgSource `json:"source,omitempty"`
}

type imgSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// thinkingBudgets maps thinking levels to token budgets.
var thinkingBudgets = map[string]int{
	"minimal": 1024,
	"low":     2048,
	"medium":  8192,
	"high":    16384,
	"xhigh":   32768,
}

func (p *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  toAnthropicMessages(req.Messages),
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = defaultMaxTokens
	}
	for _, t := range req.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	if budget, ok := thinkingBudgets[req.Thinking]; ok {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		if body.MaxTokens <= budget {
			body.MaxTokens = budget + defaultMaxTokens
		}
	}

	return retryDo(ctx, p.retry, func() (*ChatResponse, error) {
		resp, err := p.doRequest(ctx, &body)
		if err != nil {
			return nil, err
		}
		return parseAnthropicResponse(resp)
	})
}

func (p *Anthropic) doRequest(ctx context.Context, body *anthropicRequest) (*anthropicResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &httpError{status: httpResp.StatusCode, body: truncate(string(raw), 500)}
	}
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("anthropic: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	return &resp, nil
}

func toAnthropicMessages(msgs []protocol.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == protocol.RoleTool {
			role = protocol.RoleUser
		}
		am := anthropicMessage{Role: role}
		for _, b := range m.Content {
			switch b.Type {
			case protocol.BlockText:
				am.Content = append(am.Content, anthropicContent{Type: "text", Text: b.Text})
			case protocol.BlockToolUse:
				am.Content = append(am.Content, anthropicContent{
					Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input,
				})
			case protocol.BlockToolResult:
				am.Content = append(am.Content, anthropicContent{
					Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Text, IsError: b.IsError,
				})
			case protocol.BlockImage:
				am.Content = append(am.Content, anthropicContent{
					Type:   "image",
					Source: &imgSource{Type: "base64", MediaType: b.MimeType, Data: b.Data},
				})
			}
		}
		if len(am.Content) == 0 {
			continue
		}
		out = append(out, am)
	}
	return out
}

func parseAnthropicResponse(resp *anthropicResponse) (*ChatResponse, error) {
	msg := protocol.Message{Role: protocol.RoleAssistant, Timestamp: time.Now().UnixMilli()}
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			msg.Content = append(msg.Content, protocol.TextBlock(c.Text))
		case "tool_use":
			msg.Content = append(msg.Content, protocol.ContentBlock{
				Type: protocol.BlockToolUse, ID: c.ID, Name: c.Name, Input: c.Input,
			})
		}
	}
	if len(msg.Content) == 0 {
		return nil, ErrEmptyResponse
	}
	stop := "stop"
	switch resp.StopReason {
	case "tool_use":
		stop = "tool_use"
	case "max_tokens":
		stop = "length"
	}
	return &ChatResponse{
		Message:    msg,
		StopReason: stop,
		Usage:      Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
