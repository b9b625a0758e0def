package protocol

import "encoding/json"

// Event names for evt frames.
const (
	// EventChat carries agent run output: partial, final, or error state.
	EventChat = "chat"

	// EventToolInvoke is sent gateway → node to run an advertised tool.
	EventToolInvoke = "tool.invoke"

	// EventNodeProbe is sent gateway → node to check host binaries.
	EventNodeProbe = "node.probe"

	// EventChannelSend is sent gateway → channel adapter to deliver an
	// outbound message.
	EventChannelSend = "channel.send"

	// EventChannelTyping toggles the typing indicator on a channel peer.
	EventChannelTyping = "channel.typing"

	// EventChannelInbound is the fire-and-forget form of channel.inbound:
	// adapters that do not need the admission result emit it as an event
	// and the gateway queues it.
	EventChannelInbound = "channel.inbound"

	// EventChannelStatus reports adapter account health (payload is
	// ChannelAccountStatus).
	EventChannelStatus = "channel.status"

	// EventPresence announces peer connect/disconnect to clients.
	EventPresence = "presence"

	// EventShutdown tells peers the gateway is going away.
	EventShutdown = "shutdown"
)

// Chat event states.
const (
	ChatStatePartial = "partial"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
)

// ChatEvent is the payload of EventChat.
type ChatEvent struct {
	RunID      string      `json:"runId"`
	SessionKey string      `json:"sessionKey"`
	State      string      `json:"state"`
	Message    *Message    `json:"message,omitempty"`
	Error      *ErrorShape `json:"error,omitempty"`
}

// ToolInvokeEvent is the payload of EventToolInvoke (gateway → node).
type ToolInvokeEvent struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// NodeProbeEvent is the payload of EventNodeProbe.
type NodeProbeEvent struct {
	ProbeID   string   `json:"probeId"`
	Kind      string   `json:"kind"`
	Bins      []string `json:"bins"`
	TimeoutMs int64    `json:"timeoutMs"`
}

// PresenceEvent is the payload of EventPresence.
type PresenceEvent struct {
	Mode      string `json:"mode"`
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
}
