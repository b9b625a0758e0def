// Package agent implements the per-conversation session actor: a strict
// FIFO mailbox in front of the LLM agent loop, tool fan-out with a
// timeout alarm, reset and compaction policies, and transcript archival.
package agent

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Settings are per-session overrides on top of config.
type Settings struct {
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	MaxTokens    int    `json:"maxTokens,omitempty"`
}

// Overrides are per-message directive results, applied to one run only.
type Overrides struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// State is the persisted body of a session.
type State struct {
	SessionID          string             `json:"sessionId"`
	Messages           []protocol.Message `json:"messages"`
	InputTokens        int                `json:"inputTokens"`
	OutputTokens       int                `json:"outputTokens"`
	Settings           Settings           `json:"settings"`
	ResetPolicy        config.ResetPolicy `json:"resetPolicy"`
	LastResetAt        int64              `json:"lastResetAt,omitempty"`
	PreviousSessionIDs []string           `json:"previousSessionIds,omitempty"`
	Label              string             `json:"label,omitempty"`
	CreatedAt          int64              `json:"createdAt"`
	UpdatedAt          int64              `json:"updatedAt"`
}

// SendRequest is one chatSend ingestion.
type SendRequest struct {
	RunID      string                    `json:"runId"`
	Text       string                    `json:"text"`
	Tools      []protocol.ToolDefinition `json:"tools,omitempty"`
	Overrides  *Overrides                `json:"overrides,omitempty"`
	Media      []protocol.ChannelMedia   `json:"media,omitempty"`
	SessionKey string                    `json:"sessionKey"`
}

// Send statuses.
const (
	SendStarted = "started"
	SendQueued  = "queued"
)

// SendResult is what chatSend returns.
type SendResult struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

// AbortResult reports what an abort interrupted.
type AbortResult struct {
	WasRunning            bool   `json:"wasRunning"`
	RunID                 string `json:"runId,omitempty"`
	PendingToolsCancelled int    `json:"pendingToolsCancelled"`
}

// Stats is the session.stats view.
type Stats struct {
	SessionKey   string `json:"sessionKey"`
	SessionID    string `json:"sessionId"`
	MessageCount int    `json:"messageCount"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
	Resets       int    `json:"resets"`
	Running      bool   `json:"running"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Patch is the session.patch input. Nil fields stay untouched.
type Patch struct {
	Settings    *Settings           `json:"settings,omitempty"`
	Label       *string             `json:"label,omitempty"`
	ResetPolicy *config.ResetPolicy `json:"resetPolicy,omitempty"`
}

// Router dispatches a session-routed tool call to its node. The gateway
// records the pending route and later feeds the answer back through
// ToolResult.
type Router interface {
	DispatchSessionTool(ctx context.Context, sessionKey, callID, wireName string, args json.RawMessage) error
}

// Emitter receives chat events (partial, final, error) for fan-out to
// clients and the reply router.
type Emitter interface {
	EmitChat(ev protocol.ChatEvent)
}

// pendingTool tracks one in-flight tool call within an assistant turn.
type pendingTool struct {
	CallID   string
	Name     string
	Resolved bool
	Result   string
	IsError  bool
}
