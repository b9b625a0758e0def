package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const heartbeatDedupTTL = 24 * time.Hour

// heartbeatState is the per-agent heartbeat bookkeeping.
type heartbeatState struct {
	NextAtMs  int64            `json:"nextAtMs,omitempty"`
	LastRunAt int64            `json:"lastRunAt,omitempty"`
	Delivered map[string]int64 `json:"delivered,omitempty"` // text hash -> deliveredAt
}

// heartbeatAgents lists agents with a heartbeat interval configured.
func (g *Gateway) heartbeatAgents() []string {
	cfg := g.Config()
	ids := map[string]bool{cfg.DefaultAgent(): true}
	for id := range cfg.Agents.List {
		ids[id] = true
	}
	var out []string
	for id := range ids {
		if heartbeatEvery(cfg.HeartbeatFor(id)) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// heartbeatEvery parses the interval; zero disables.
func heartbeatEvery(hb config.HeartbeatConfig) time.Duration {
	if hb.Every == "" {
		return 0
	}
	d, err := time.ParseDuration(hb.Every)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// nextHeartbeatAt returns the next due time for an agent, computing and
// persisting it when unset.
func (g *Gateway) nextHeartbeatAt(ctx context.Context, agentID string) int64 {
	st, _, err := g.heartbeats.Get(ctx, agentID)
	if err != nil {
		return 0
	}
	if st.NextAtMs > 0 {
		return st.NextAtMs
	}
	every := heartbeatEvery(g.Config().HeartbeatFor(agentID))
	if every <= 0 {
		return 0
	}
	st.NextAtMs = g.now().Add(every).UnixMilli()
	g.heartbeats.Put(ctx, agentID, st)
	return st.NextAtMs
}

// runDueHeartbeats fires every agent whose heartbeat is due. Called from
// the alarm loop.
func (g *Gateway) runDueHeartbeats(ctx context.Context) {
	now := g.now().UnixMilli()
	for _, agentID := range g.heartbeatAgents() {
		if next := g.nextHeartbeatAt(ctx, agentID); next == 0 || next > now {
			continue
		}
		g.fireHeartbeat(ctx, agentID, false)
	}
}

// fireHeartbeat runs one heartbeat. Manual triggers skip the
// HEARTBEAT.md gate.
func (g *Gateway) fireHeartbeat(ctx context.Context, agentID string, manual bool) {
	cfg := g.Config()
	hb := cfg.HeartbeatFor(agentID)
	defer g.scheduleNextHeartbeat(ctx, agentID, hb)

	if !manual && !g.withinActiveHours(hb.ActiveHours) {
		g.logger.Info("heartbeat.skipped", "agent", agentID, "reason", "outside active hours")
		return
	}

	prompt, _, err := blob.ReadAll(ctx, g.blobs, "agents/"+agentID+"/HEARTBEAT.md")
	if err != nil || len(strings.TrimSpace(string(prompt))) == 0 {
		if !manual {
			g.logger.Info("heartbeat.skipped", "agent", agentID, "reason", "no HEARTBEAT.md")
			return
		}
		prompt = []byte("Heartbeat: anything that needs attention?")
	}

	key := sessions.HeartbeatKey(agentID)
	sess := g.agents.Get(key)
	if sess.Running() {
		g.logger.Info("heartbeat.skipped", "agent", agentID, "reason", "busy")
		return
	}

	runID := uuid.NewString()
	route, ok := g.heartbeatRoute(ctx, agentID, hb)
	if ok {
		route.SessionKey = key
		g.replies.RegisterHeartbeat(runID, agentID, route)
	}

	_, err = sess.ChatSend(ctx, agent.SendRequest{
		RunID:      runID,
		Text:       string(prompt),
		Tools:      g.tools.Snapshot(),
		SessionKey: key,
	})
	if err != nil {
		g.replies.Cancel(runID)
		g.logger.Error("heartbeat.send_failed", "agent", agentID, "error", err)
		return
	}
	g.logger.Info("heartbeat.fired", "agent", agentID, "runId", runID)
}

// scheduleNextHeartbeat advances the due time after a fire or skip.
func (g *Gateway) scheduleNextHeartbeat(ctx context.Context, agentID string, hb config.HeartbeatConfig) {
	every := heartbeatEvery(hb)
	if every <= 0 {
		return
	}
	err := g.heartbeats.Update(ctx, agentID, func(st *heartbeatState) {
		st.LastRunAt = g.now().UnixMilli()
		st.NextAtMs = g.now().Add(every).UnixMilli()
	})
	if err != nil {
		g.logger.Error("heartbeat.save_failed", "agent", agentID, "error", err)
	}
	g.rescheduleAlarm()
}

// heartbeatRoute resolves the delivery target. none means silent.
func (g *Gateway) heartbeatRoute(ctx context.Context, agentID string, hb config.HeartbeatConfig) (channels.ReplyRoute, bool) {
	switch hb.Target {
	case "", "none":
		return channels.ReplyRoute{}, false
	case "last":
		la, ok, err := g.lastActive.Get(ctx, agentID)
		if err != nil || !ok {
			return channels.ReplyRoute{}, false
		}
		return channels.ReplyRoute{
			Channel:   la.Channel,
			AccountID: la.AccountID,
			Peer:      la.Peer,
		}, true
	default:
		peer := channelPeerFor(hb.To)
		return channels.ReplyRoute{
			Channel: hb.Target,
			Peer:    peer,
		}, hb.To != ""
	}
}

// withinActiveHours checks the HH:MM window, in the configured zone or
// the user zone.
func (g *Gateway) withinActiveHours(ah *config.ActiveHours) bool {
	if ah == nil {
		return true
	}
	loc := time.Local
	tz := ah.Timezone
	if tz == "" || tz == "user" {
		tz = g.Config().UserTimezone
	}
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	now := g.now().In(loc)
	start, err1 := parseClock(ah.Start)
	end, err2 := parseClock(ah.End)
	if err1 != nil || err2 != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	// Overnight window.
	return cur >= start || cur < end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return h*60 + m, nil
}

// heartbeatText strips the ack token. Empty output means nothing is
// delivered.
func heartbeatText(text string) string {
	out := strings.TrimSpace(strings.ReplaceAll(text, "HEARTBEAT_OK", ""))
	return out
}

// heartbeatDedup reports whether the same text was already delivered for
// the agent within the window, recording it otherwise.
func (g *Gateway) heartbeatDedup(ctx context.Context, agentID, text string) bool {
	sum := sha256.Sum256([]byte(text))
	h := hex.EncodeToString(sum[:8])
	now := g.now().UnixMilli()
	dup := false
	err := g.heartbeats.Update(ctx, agentID, func(st *heartbeatState) {
		if st.Delivered == nil {
			st.Delivered = map[string]int64{}
		}
		for k, at := range st.Delivered {
			if at+heartbeatDedupTTL.Milliseconds() <= now {
				delete(st.Delivered, k)
			}
		}
		if _, ok := st.Delivered[h]; ok {
			dup = true
			return
		}
		st.Delivered[h] = now
	})
	if err != nil {
		g.logger.Error("heartbeat.dedup_failed", "agent", agentID, "error", err)
	}
	return dup
}

// channelPeerFor builds a dm peer from a configured address.
func channelPeerFor(to string) protocol.ChannelPeer {
	return protocol.ChannelPeer{Kind: protocol.PeerKindDM, ID: to}
}
