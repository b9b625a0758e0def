package sessions

import "github.com/nextlevelbuilder/switchboard/pkg/protocol"

// RegistryEntry is the gateway's index record for a session. Message
// bodies live in the session actor, never here.
type RegistryEntry struct {
	SessionKey   string `json:"sessionKey"`
	CreatedAt    int64  `json:"createdAt"`
	LastActiveAt int64  `json:"lastActiveAt"`
	Label        string `json:"label,omitempty"`
}

// ChannelEntry records a connected channel account.
type ChannelEntry struct {
	Channel       string `json:"channel"`
	AccountID     string `json:"accountId"`
	ConnectedAt   int64  `json:"connectedAt"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
}

// LastActiveContext is the per-agent delivery fallback: where the agent
// last talked, used by heartbeat/cron delivery and the message tool.
type LastActiveContext struct {
	Channel    string               `json:"channel"`
	AccountID  string               `json:"accountId"`
	Peer       protocol.ChannelPeer `json:"peer"`
	SessionKey string               `json:"sessionKey"`
	Timestamp  int64                `json:"timestamp"`
}

// PairingRecord is one held first-contact DM awaiting operator approval.
type PairingRecord struct {
	Channel      string `json:"channel"`
	SenderID     string `json:"senderId"` // normalized
	SenderName   string `json:"senderName,omitempty"`
	RequestedAt  int64  `json:"requestedAt"`
	FirstMessage string `json:"firstMessage,omitempty"`
}
