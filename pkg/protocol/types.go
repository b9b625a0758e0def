package protocol

import "encoding/json"

// Peer modes.
const (
	ModeClient  = "client"
	ModeNode    = "node"
	ModeChannel = "channel"
)

// PeerInfo identifies a connecting peer in connect params.
type PeerInfo struct {
	Mode      string `json:"mode"`
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// ConnectParams is the params shape of the connect method.
type ConnectParams struct {
	MinProtocol int              `json:"minProtocol"`
	Token       string           `json:"token,omitempty"`
	Client      PeerInfo         `json:"client"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	NodeRuntime *NodeRuntime     `json:"nodeRuntime,omitempty"`
}

// ToolDefinition describes one tool a node advertises.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Host roles.
const (
	HostRoleExecution   = "execution"
	HostRoleSpecialized = "specialized"
)

// Host capability strings.
const (
	CapFilesystemList  = "filesystem.list"
	CapFilesystemRead  = "filesystem.read"
	CapFilesystemWrite = "filesystem.write"
	CapFilesystemEdit  = "filesystem.edit"
	CapTextSearch      = "text.search"
	CapShellExec       = "shell.exec"
)

// KnownCapabilities lists every capability the gateway understands.
var KnownCapabilities = []string{
	CapFilesystemList,
	CapFilesystemRead,
	CapFilesystemWrite,
	CapFilesystemEdit,
	CapTextSearch,
	CapShellExec,
}

// NodeRuntime describes a node host: what role it plays and what its
// tools are allowed to touch. Required on connect for mode=node.
type NodeRuntime struct {
	HostRole               string              `json:"hostRole"`
	HostCapabilities       []string            `json:"hostCapabilities,omitempty"`
	ToolCapabilities       map[string][]string `json:"toolCapabilities,omitempty"`
	HostOS                 string              `json:"hostOs,omitempty"`
	HostEnv                map[string]string   `json:"hostEnv,omitempty"`
	HostBinStatus          map[string]bool     `json:"hostBinStatus,omitempty"`
	HostBinStatusUpdatedAt int64               `json:"hostBinStatusUpdatedAt,omitempty"`
}

// Valid reports whether the runtime descriptor is well formed.
func (r *NodeRuntime) Valid() bool {
	if r == nil {
		return false
	}
	return r.HostRole == HostRoleExecution || r.HostRole == HostRoleSpecialized
}

// Peer kinds on a channel.
const (
	PeerKindDM      = "dm"
	PeerKindGroup   = "group"
	PeerKindChannel = "channel"
	PeerKindThread  = "thread"
)

// ChannelPeer identifies the conversation counterpart on a channel.
type ChannelPeer struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Handle   string `json:"handle,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// ChannelSender identifies who wrote a message, when distinct from the peer
// (group messages).
type ChannelSender struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// Media types.
const (
	MediaImage    = "image"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaDocument = "document"
)

// ChannelMedia is one attachment on an inbound or outbound message. Inbound
// carries Data (base64) or URL; after processing only the stored key
// survives.
type ChannelMedia struct {
	Type          string  `json:"type"`
	MimeType      string  `json:"mimeType"`
	Data          string  `json:"data,omitempty"`
	URL           string  `json:"url,omitempty"`
	Filename      string  `json:"filename,omitempty"`
	Size          int64   `json:"size,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	Transcription string  `json:"transcription,omitempty"`
	StoreKey      string  `json:"storeKey,omitempty"`
}

// ChannelInboundMessage is one message arriving from a channel adapter.
type ChannelInboundMessage struct {
	MessageID    string         `json:"messageId"`
	Peer         ChannelPeer    `json:"peer"`
	Sender       *ChannelSender `json:"sender,omitempty"`
	Text         string         `json:"text"`
	Media        []ChannelMedia `json:"media,omitempty"`
	ReplyToID    string         `json:"replyToId,omitempty"`
	ReplyToText  string         `json:"replyToText,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	WasMentioned bool           `json:"wasMentioned,omitempty"`
}

// ChannelOutboundMessage is one message the gateway delivers to a channel.
type ChannelOutboundMessage struct {
	Peer      ChannelPeer    `json:"peer"`
	Text      string         `json:"text"`
	Media     []ChannelMedia `json:"media,omitempty"`
	ReplyToID string         `json:"replyToId,omitempty"`
}

// ChannelAccountStatus reports adapter account health through the queue.
type ChannelAccountStatus struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Message is one transcript entry: user, assistant, or tool result. Content
// is a list of typed blocks so tool calls and text can share a turn.
type Message struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// ContentBlock is one typed segment of a message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"toolUseId,omitempty"`
	IsError   bool   `json:"isError,omitempty"`

	// image
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// TextContent concatenates the text blocks of a message.
func (m *Message) TextContent() string {
	out := ""
	for _, b := range m.Content {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_use blocks of a message.
func (m *Message) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}
