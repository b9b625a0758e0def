package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// pendingReply is one registered channel response route.
type pendingReply struct {
	route     channels.ReplyRoute
	heartbeat bool
	agentID   string
}

// replyRouter fans chat events out: every event is broadcast to clients,
// and events whose runId has a registered route are also delivered to
// the originating channel. Implements agent.Emitter and
// channels.ReplyRoutes.
type replyRouter struct {
	g *Gateway

	mu     sync.Mutex
	routes map[string]pendingReply
}

func newReplyRouter(g *Gateway) *replyRouter {
	return &replyRouter{g: g, routes: map[string]pendingReply{}}
}

// Register wires a run's output to a channel peer.
func (r *replyRouter) Register(runID string, route channels.ReplyRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[runID] = pendingReply{route: route}
}

// RegisterHeartbeat wires a heartbeat run, which gets ack suppression
// and dedup on top of normal routing.
func (r *replyRouter) RegisterHeartbeat(runID, agentID string, route channels.ReplyRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[runID] = pendingReply{route: route, heartbeat: true, agentID: agentID}
}

// Cancel drops a route after a failed dispatch.
func (r *replyRouter) Cancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, runID)
}

// EmitChat receives every chat event from every session actor.
func (r *replyRouter) EmitChat(ev protocol.ChatEvent) {
	r.g.broadcastToClients(protocol.EventChat, ev)
	if ev.RunID == "" {
		return
	}

	r.mu.Lock()
	pending, ok := r.routes[ev.RunID]
	if ok && ev.State != protocol.ChatStatePartial {
		delete(r.routes, ev.RunID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	route := pending.route
	switch ev.State {
	case protocol.ChatStatePartial:
		if ev.Message != nil {
			r.deliver(ctx, pending, ev.Message.TextContent())
		}
	case protocol.ChatStateFinal:
		r.g.SetTyping(ctx, route.Channel, route.AccountID, route.Peer, false)
		if ev.Message != nil {
			r.deliver(ctx, pending, ev.Message.TextContent())
		}
	case protocol.ChatStateError:
		// Errors never reach the channel user; just stop typing.
		r.g.SetTyping(ctx, route.Channel, route.AccountID, route.Peer, false)
	}
}

// deliver sends one text chunk to the routed peer. Blank text is
// dropped; heartbeat acks are stripped and deduplicated.
func (r *replyRouter) deliver(ctx context.Context, pending pendingReply, text string) {
	text = trimLeadingBlank(text)
	if pending.heartbeat {
		text = heartbeatText(text)
		if text == "" {
			return
		}
		if r.g.heartbeatDedup(ctx, pending.agentID, text) {
			r.g.logger.Info("heartbeat.deduped", "agent", pending.agentID)
			return
		}
	}
	if text == "" {
		return
	}
	route := pending.route
	err := r.g.SendMessage(ctx, route.Channel, route.AccountID, protocol.ChannelOutboundMessage{
		Peer:      route.Peer,
		Text:      text,
		ReplyToID: route.ReplyToID,
	})
	if err != nil {
		r.g.logger.Warn("reply.delivery_failed", "channel", route.Channel, "runId", "", "error", err)
	}
}

// trimLeadingBlank removes leading blank lines without touching inner
// formatting.
func trimLeadingBlank(text string) string {
	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
