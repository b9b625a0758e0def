// Package sessions defines the canonical session key grammar and the
// identity normalization feeding it. Everything that names a session
// (channel inbound, cron, heartbeat, client chat) goes through here, so
// the grammar is the single source of truth.
package sessions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// MainSuffix is the scope segment of an agent's main session.
const MainSuffix = "main"

// MainKey returns the main session key for an agent.
func MainKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = MainSuffix
	}
	return fmt.Sprintf("agent:%s:%s", strings.ToLower(agentID), mainKey)
}

// HeartbeatKey returns the dedicated internal heartbeat session key.
func HeartbeatKey(agentID string) string {
	return fmt.Sprintf("agent:%s:heartbeat:system:internal", strings.ToLower(agentID))
}

// CronJobKey returns the isolated session key for task-mode cron jobs, so
// scheduled work never bleeds into main history.
func CronJobKey(agentID, jobID string) string {
	return fmt.Sprintf("agent:%s:cron:job:%s", strings.ToLower(agentID), jobID)
}

// BuildKey derives the session key for an inbound channel message.
//
// Grammar:
//
//	agent:{agentId}:main                                        dmScope=main
//	agent:{agentId}:{peerKind}:{id}                             dmScope=per-peer
//	agent:{agentId}:{channel}:{peerKind}:{id}                   dmScope=per-channel-peer
//	agent:{agentId}:{channel}:{accountId}:{peerKind}:{id}       dmScope=per-account-channel-peer
//
// agentId, channel, and peerKind are lowercased; the id is used verbatim
// after identity-link and E.164 normalization.
func BuildKey(agentID, channel, accountID string, peer protocol.ChannelPeer, sc config.SessionConfig) string {
	id := ResolveIdentity(channel, peer.ID, sc.IdentityLinks)

	switch sc.DMScope {
	case config.DMScopePerPeer:
		return fmt.Sprintf("agent:%s:%s:%s",
			strings.ToLower(agentID), strings.ToLower(peer.Kind), id)
	case config.DMScopePerChannelPeer:
		return fmt.Sprintf("agent:%s:%s:%s:%s",
			strings.ToLower(agentID), strings.ToLower(channel), strings.ToLower(peer.Kind), id)
	case config.DMScopeAccountChannelPeer:
		return fmt.Sprintf("agent:%s:%s:%s:%s:%s",
			strings.ToLower(agentID), strings.ToLower(channel), accountID, strings.ToLower(peer.Kind), id)
	default: // config.DMScopeMain and unset
		return MainKey(agentID, sc.MainKey)
	}
}

// AgentOf extracts the agent id from a session key, or "".
func AgentOf(sessionKey string) string {
	parts := strings.SplitN(sessionKey, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

// IsHeartbeatKey reports whether the key names an internal heartbeat
// session.
func IsHeartbeatKey(sessionKey string) bool {
	return strings.HasSuffix(sessionKey, ":heartbeat:system:internal")
}

var phoneRe = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,}$`)

// NormalizeID canonicalizes a sender or peer id. Phone-like ids collapse
// to E.164 (+digits); everything else is trimmed and used verbatim.
func NormalizeID(id string) string {
	s := strings.TrimSpace(id)
	if !phoneRe.MatchString(s) {
		return s
	}
	var b strings.Builder
	b.WriteByte('+')
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ResolveIdentity folds a channel identity into its canonical linked name
// when identityLinks maps it, so replies across channels share a session.
// Link entries are either "channel:id" or a bare id.
func ResolveIdentity(channel, id string, links map[string][]string) string {
	norm := NormalizeID(id)
	scoped := strings.ToLower(channel) + ":" + norm
	for canonical, entries := range links {
		for _, e := range entries {
			if e == norm || strings.EqualFold(e, scoped) || NormalizeID(e) == norm {
				return canonical
			}
		}
	}
	return norm
}
