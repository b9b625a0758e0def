package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func TestAnthropicChat(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key-1" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "hello"},
				{"type": "tool_use", "id": "tc1", "name": "execNode__run", "input": map[string]interface{}{"cmd": "ls"}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewAnthropic("key-1", WithAnthropicBaseURL(srv.URL))
	out, err := p.Chat(context.Background(), ChatRequest{
		Model:  "claude-sonnet-4-5",
		System: "be brief",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentBlock{protocol.TextBlock("hi")}},
		},
		Tools: []protocol.ToolDefinition{{Name: "execNode__run"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotReq.System != "be brief" {
		t.Errorf("system = %q", gotReq.System)
	}
	if len(gotReq.Tools) != 1 || gotReq.Tools[0].Name != "execNode__run" {
		t.Errorf("tools = %+v", gotReq.Tools)
	}
	if out.StopReason != "tool_use" {
		t.Errorf("stop = %s", out.StopReason)
	}
	calls := out.Message.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "execNode__run" || calls[0].ID != "tc1" {
		t.Fatalf("tool calls = %+v", calls)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestAnthropicEmptyContentIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []interface{}{},
			"stop_reason": "stop",
		})
	}))
	defer srv.Close()

	p := NewAnthropic("k", WithAnthropicBaseURL(srv.URL))
	_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestAnthropicRetriesOn529(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(529)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "ok"}},
			"stop_reason": "stop",
		})
	}))
	defer srv.Close()

	p := NewAnthropic("k", WithAnthropicBaseURL(srv.URL))
	p.retry.BaseDelay = 0
	out, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d", attempts)
	}
	if out.Message.TextContent() != "ok" {
		t.Fatalf("text = %q", out.Message.TextContent())
	}
}

func TestOpenAIChatToolRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		// Tool results arrive as role=tool messages keyed by call id.
		foundTool := false
		for _, m := range req.Messages {
			if m.Role == "tool" && m.ToolCallID == "tc9" {
				foundTool = true
			}
		}
		if !foundTool {
			t.Errorf("tool result message missing: %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": "done"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 2},
		})
	}))
	defer srv.Close()

	p := NewOpenAI("k", WithBaseURL(srv.URL))
	out, err := p.Chat(context.Background(), ChatRequest{
		Model: "gpt-5.2",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentBlock{protocol.TextBlock("run it")}},
			{Role: protocol.RoleAssistant, Content: []protocol.ContentBlock{
				{Type: protocol.BlockToolUse, ID: "tc9", Name: "t", Input: json.RawMessage(`{}`)},
			}},
			{Role: protocol.RoleTool, Content: []protocol.ContentBlock{
				{Type: protocol.BlockToolResult, ToolUseID: "tc9", Text: "ok"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Message.TextContent() != "done" {
		t.Fatalf("text = %q", out.Message.TextContent())
	}
}

func TestResolveModel(t *testing.T) {
	cases := []struct {
		in       string
		provider string
		ok       bool
	}{
		{"opus", "anthropic", true},
		{"Sonnet", "anthropic", true},
		{"gpt", "openai", true},
		{"claude-sonnet-4-5", "anthropic", true},
		{"meta/llama-4", "openrouter", true},
		{"nonsense model", "", false},
	}
	for _, tc := range cases {
		ref, ok := ResolveModel(tc.in)
		if ok != tc.ok {
			t.Errorf("%s: ok = %v", tc.in, ok)
			continue
		}
		if ok && ref.Provider != tc.provider {
			t.Errorf("%s: provider = %s, want %s", tc.in, ref.Provider, tc.provider)
		}
	}
}
