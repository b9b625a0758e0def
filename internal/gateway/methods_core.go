package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func decodeParams(f *protocol.Frame, v interface{}) error {
	if len(f.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Params, v); err != nil {
		return protocol.NewRpcError(protocol.CodeBadRequest, "bad params: %v", err)
	}
	return nil
}

// connectPayload is the successful connect response.
type connectPayload struct {
	Protocol   int    `json:"protocol"`
	ServerTime int64  `json:"serverTime"`
	PeerKey    string `json:"peerKey"`
}

func (g *Gateway) handleConnect(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params protocol.ConnectParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if params.MinProtocol > protocol.ProtocolVersion {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest,
			"protocol %d required, server speaks %d", params.MinProtocol, protocol.ProtocolVersion)
	}
	cfg := g.Config()
	if !tokenMatches(cfg.Auth.Token, params.Token) {
		return nil, protocol.NewRpcError(protocol.CodeUnauthorized, "bad token")
	}

	info := params.Client
	switch info.Mode {
	case protocol.ModeClient:
	case protocol.ModeChannel:
		if info.ChannelID == "" {
			return nil, protocol.NewRpcError(protocol.CodeBadRequest, "channel peers require channelId")
		}
	case protocol.ModeNode:
		if !params.NodeRuntime.Valid() {
			return nil, protocol.NewRpcError(protocol.CodeBadRequest, "Invalid nodeRuntime")
		}
		if err := g.nodes.Register(info.ID, params.NodeRuntime, params.Tools); err != nil {
			return nil, protocol.NewRpcError(protocol.CodeBadRequest, "%v", err)
		}
	default:
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "unknown mode %q", info.Mode)
	}

	p.markConnected(info, params.NodeRuntime, params.Tools)
	g.registerPeer(p)
	g.logger.Info("gateway.peer_connected", "peer", p.Key(), "mode", info.Mode)

	switch info.Mode {
	case protocol.ModeNode:
		g.dispatchProbes(ctx, info.ID)
	case protocol.ModeChannel:
		now := g.now().UnixMilli()
		err := g.channelReg.Update(ctx, info.ChannelID+":"+info.AccountID, func(e *sessions.ChannelEntry) {
			e.Channel = info.ChannelID
			e.AccountID = info.AccountID
			e.ConnectedAt = now
		})
		if err != nil {
			g.logger.Error("gateway.channel_registry_failed", "error", err)
		}
	}

	return connectPayload{
		Protocol:   protocol.ProtocolVersion,
		ServerTime: g.now().UnixMilli(),
		PeerKey:    p.Key(),
	}, nil
}

type configGetParams struct {
	Path string `json:"path,omitempty"`
}

func (g *Gateway) handleConfigGet(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params configGetParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	v, ok := g.cfgStore.GetSafe(params.Path)
	if !ok {
		return nil, protocol.NewRpcError(protocol.CodeNotFound, "no config at %q", params.Path)
	}
	return map[string]interface{}{"path": params.Path, "value": v}, nil
}

type configSetParams struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

func (g *Gateway) handleConfigSet(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params configSetParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "path required")
	}
	if err := g.cfgStore.Set(params.Path, params.Value); err != nil {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "%v", err)
	}
	return map[string]interface{}{"ok": true}, nil
}

func (g *Gateway) handlePairList(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	recs, err := g.pipeline.ListPairings(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pending": recs}, nil
}

type pairParams struct {
	Channel  string `json:"channel"`
	SenderID string `json:"senderId"`
}

func (g *Gateway) handlePairApprove(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params pairParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	rec, err := g.pipeline.ApprovePairing(ctx, params.Channel, params.SenderID)
	if err != nil {
		return nil, protocol.NewRpcError(protocol.CodeNotFound, "%v", err)
	}
	// Approval persists into the channel allowlist so the sender is
	// admitted from now on.
	pol := g.Config().ChannelPolicy(rec.Channel)
	allow := append(append([]string{}, pol.AllowFrom...), rec.SenderID)
	path := fmt.Sprintf("channels.%s.allowFrom", rec.Channel)
	if err := g.cfgStore.Set(path, allow); err != nil {
		return nil, err
	}
	g.logger.Info("gateway.pair_approved", "channel", rec.Channel, "sender", rec.SenderID)
	return map[string]interface{}{"approved": rec}, nil
}

func (g *Gateway) handlePairDeny(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params pairParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if err := g.pipeline.DenyPairing(ctx, params.Channel, params.SenderID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

type sessionParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// sessionFor resolves the target session, defaulting to the default
// agent's main session.
func (g *Gateway) sessionFor(key string) *agent.Session {
	if key == "" {
		cfg := g.Config()
		key = sessions.MainKey(cfg.DefaultAgent(), cfg.Session.MainKey)
	}
	return g.agents.Get(key)
}

func (g *Gateway) handleSessionGet(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params sessionParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	sess := g.sessionFor(params.SessionKey)
	st, err := sess.Get(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionKey":         sess.Key,
		"sessionId":          st.SessionID,
		"settings":           st.Settings,
		"resetPolicy":        st.ResetPolicy,
		"label":              st.Label,
		"messageCount":       len(st.Messages),
		"previousSessionIds": st.PreviousSessionIDs,
		"createdAt":          st.CreatedAt,
		"updatedAt":          st.UpdatedAt,
	}, nil
}

type sessionPatchParams struct {
	SessionKey  string              `json:"sessionKey"`
	Settings    *agent.Settings     `json:"settings,omitempty"`
	Label       *string             `json:"label,omitempty"`
	ResetPolicy *config.ResetPolicy `json:"resetPolicy,omitempty"`
}

func (g *Gateway) handleSessionPatch(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params sessionPatchParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	sess := g.sessionFor(params.SessionKey)
	err := sess.ApplyPatch(ctx, agent.Patch{
		Settings:    params.Settings,
		Label:       params.Label,
		ResetPolicy: params.ResetPolicy,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (g *Gateway) handleSessionStats(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params sessionParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	return g.sessionFor(params.SessionKey).Stats(ctx)
}

func (g *Gateway) handleSessionPreview(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params sessionParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	msgs, err := g.sessionFor(params.SessionKey).Preview(ctx, params.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": msgs}, nil
}

func (g *Gateway) handleSessionsList(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	entries, err := g.sessionReg.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]sessions.RegistryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return map[string]interface{}{"sessions": out}, nil
}

type chatSendParams struct {
	SessionKey string                  `json:"sessionKey,omitempty"`
	Text       string                  `json:"text"`
	RunID      string                  `json:"runId,omitempty"`
	Media      []protocol.ChannelMedia `json:"media,omitempty"`
}

func (g *Gateway) handleChatSend(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params chatSendParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	sess := g.sessionFor(params.SessionKey)

	if cmd, ok := channels.ParseCommand(params.Text); ok {
		response := g.pipeline.RunCommand(ctx, sess, cmd)
		return map[string]interface{}{
			"status":   "command",
			"command":  cmd.Name,
			"response": response,
		}, nil
	}

	cleaned, dir := channels.ParseDirectives(params.Text)
	if channels.DirectiveOnly(cleaned, dir) && len(params.Media) == 0 {
		return map[string]interface{}{
			"status":   "command",
			"command":  "directive",
			"response": g.pipeline.ApplyDirectives(ctx, sess, dir),
		}, nil
	}

	runID := params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	req := agent.SendRequest{
		RunID:      runID,
		Text:       cleaned,
		Tools:      g.tools.Snapshot(),
		Media:      params.Media,
		SessionKey: sess.Key,
	}
	if dir.Thinking != "" || dir.Model != "" {
		req.Overrides = channels.OverridesFor(dir)
	}
	res, err := sess.ChatSend(ctx, req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

type channelInboundParams struct {
	Channel   string                         `json:"channel"`
	AccountID string                         `json:"accountId"`
	Message   protocol.ChannelInboundMessage `json:"message"`
}

func (g *Gateway) handleChannelInbound(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params channelInboundParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if params.Channel == "" && p.info.Mode == protocol.ModeChannel {
		params.Channel = p.info.ChannelID
	}
	if params.AccountID == "" && p.info.Mode == protocol.ModeChannel {
		params.AccountID = p.info.AccountID
	}

	now := g.now().UnixMilli()
	err := g.channelReg.Update(ctx, params.Channel+":"+params.AccountID, func(e *sessions.ChannelEntry) {
		e.Channel = params.Channel
		e.AccountID = params.AccountID
		e.LastMessageAt = now
	})
	if err != nil {
		g.logger.Error("gateway.channel_registry_failed", "error", err)
	}

	out, err := g.pipeline.Handle(ctx, params.Channel, params.AccountID, params.Message)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":     wireStatus(out.Status),
		"sessionKey": out.SessionKey,
		"runId":      out.RunID,
	}, nil
}

// wireStatus maps pipeline outcomes onto the admission vocabulary the
// adapters expect.
func wireStatus(s string) string {
	switch s {
	case channels.StatusHeld:
		return "pending_pairing"
	case channels.StatusDropped:
		return "blocked"
	default:
		return s
	}
}
