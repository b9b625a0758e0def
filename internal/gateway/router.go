package gateway

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// handler processes one req frame. Returning deferred means the response
// is written later (long-poll methods).
type handler func(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error)

// deferred is the sentinel payload for handlers that answer out of band.
var deferred = &struct{}{}

// dispatch routes one validated frame. Responses from peers (to gateway
// requests) and events are handled inline; requests go through the
// method table.
func (g *Gateway) dispatch(ctx context.Context, p *Peer, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeRes:
		g.handlePeerResponse(p, f)
		return
	case protocol.TypeEvt:
		g.handlePeerEvent(ctx, p, f)
		return
	}

	if f.Method != protocol.MethodConnect && !p.Connected() {
		p.SendError(f.ID, &protocol.ErrorShape{
			Code:    protocol.CodeNotConnected,
			Message: "connect first",
		})
		return
	}

	h, ok := g.methods()[f.Method]
	if !ok {
		p.SendError(f.ID, &protocol.ErrorShape{
			Code:    protocol.CodeNotFound,
			Message: "unknown method " + f.Method,
		})
		return
	}
	payload, err := h(ctx, p, f)
	if err != nil {
		p.SendError(f.ID, protocol.CoerceError(err))
		return
	}
	if payload == deferred {
		return
	}
	p.SendResult(f.ID, payload)
}

// methods is the RPC dispatch table, built once.
func (g *Gateway) methods() map[string]handler {
	g.methodsOnce.Do(func() {
		g.methodTable = g.buildMethods()
	})
	return g.methodTable
}

func (g *Gateway) buildMethods() map[string]handler {
	return map[string]handler{
		protocol.MethodConnect: g.handleConnect,

		protocol.MethodConfigGet: g.handleConfigGet,
		protocol.MethodConfigSet: g.handleConfigSet,

		protocol.MethodPairList:    g.handlePairList,
		protocol.MethodPairApprove: g.handlePairApprove,
		protocol.MethodPairDeny:    g.handlePairDeny,

		protocol.MethodSessionGet:     g.handleSessionGet,
		protocol.MethodSessionPatch:   g.handleSessionPatch,
		protocol.MethodSessionStats:   g.handleSessionStats,
		protocol.MethodSessionPreview: g.handleSessionPreview,
		protocol.MethodSessionsList:   g.handleSessionsList,

		protocol.MethodChatSend:       g.handleChatSend,
		protocol.MethodChannelInbound: g.handleChannelInbound,

		protocol.MethodToolInvoke:      g.handleToolInvoke,
		protocol.MethodToolResult:      g.handleToolResult,
		protocol.MethodNodeProbeResult: g.handleNodeProbeResult,
		protocol.MethodNodeExecEvent:   g.handleNodeExecEvent,

		protocol.MethodLogsGet:    g.handleLogsGet,
		protocol.MethodLogsResult: g.handleLogsResult,

		protocol.MethodHeartbeatStatus:  g.handleHeartbeatStatus,
		protocol.MethodHeartbeatTrigger: g.handleHeartbeatTrigger,

		protocol.MethodCronStatus: g.handleCronStatus,
		protocol.MethodCronList:   g.handleCronList,
		protocol.MethodCronAdd:    g.handleCronAdd,
		protocol.MethodCronUpdate: g.handleCronUpdate,
		protocol.MethodCronRemove: g.handleCronRemove,
		protocol.MethodCronRun:    g.handleCronRun,
		protocol.MethodCronRuns:   g.handleCronRuns,

		protocol.MethodSkillsStatus:  g.handleSkillsStatus,
		protocol.MethodSkillsRefresh: g.handleSkillsRefresh,
	}
}

// handlePeerResponse matches a res frame to a gateway-initiated request.
// Only the logs long-poll uses this path today.
func (g *Gateway) handlePeerResponse(p *Peer, f *protocol.Frame) {
	if g.resolveLogs(f.ID, f.Payload, f.Error) {
		return
	}
	g.logger.Debug("gateway.peer_response", "peer", p.Key(), "id", f.ID)
}

// handlePeerEvent processes fire-and-forget events from peers. Channel
// traffic goes through the inbound queue so a slow pipeline never blocks
// the read loop.
func (g *Gateway) handlePeerEvent(ctx context.Context, p *Peer, f *protocol.Frame) {
	if !p.Connected() {
		g.logger.Warn("security.frame_rejected", "peer", p.Key(), "reason", "event before connect")
		return
	}
	switch f.Event {
	case protocol.EventChannelInbound:
		var params channelInboundParams
		if err := json.Unmarshal(f.Payload, &params); err != nil {
			g.logger.Warn("security.frame_rejected", "peer", p.Key(), "reason", "bad channel.inbound payload")
			return
		}
		if params.Channel == "" && p.info.Mode == protocol.ModeChannel {
			params.Channel = p.info.ChannelID
		}
		if params.AccountID == "" && p.info.Mode == protocol.ModeChannel {
			params.AccountID = p.info.AccountID
		}
		g.consumer.Enqueue(QueueMessage{
			Type:      queueInbound,
			ChannelID: params.Channel,
			AccountID: params.AccountID,
			Message:   &params.Message,
		})
	case protocol.EventChannelStatus:
		var status protocol.ChannelAccountStatus
		if err := json.Unmarshal(f.Payload, &status); err != nil {
			g.logger.Warn("security.frame_rejected", "peer", p.Key(), "reason", "bad channel.status payload")
			return
		}
		g.consumer.Enqueue(QueueMessage{
			Type:      queueStatus,
			ChannelID: p.info.ChannelID,
			AccountID: p.info.AccountID,
			Status:    &status,
		})
	default:
		g.logger.Debug("gateway.peer_event", "peer", p.Key(), "event", f.Event)
	}
}
