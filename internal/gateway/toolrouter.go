package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/internal/nodes"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Pending-call routes.
const (
	routeSession = "session"
	routeClient  = "client"
)

// pendingCall is one in-flight node tool invocation.
type pendingCall struct {
	CallID     string `json:"callId"`
	Route      string `json:"route"`
	SessionKey string `json:"sessionKey,omitempty"`
	ClientKey  string `json:"clientKey,omitempty"`
	ReqID      string `json:"reqId,omitempty"`
	NodeID     string `json:"nodeId"`
	Tool       string `json:"tool"`
	CreatedAt  int64  `json:"createdAt"`
}

// toolRouter owns the exposed tool surface and pending-call routing.
// Native gateway tools resolve inline; everything else must carry a
// nodeId__ prefix and routes to its node.
type toolRouter struct {
	g       *Gateway
	pending *state.Map[pendingCall]

	mu      sync.Mutex
	dropped map[string]int64 // callId -> droppedAt, client went away
}

func newToolRouter(g *Gateway) *toolRouter {
	return &toolRouter{
		g:       g,
		pending: state.NewMap[pendingCall](g.store, "pendingCalls/"),
		dropped: map[string]int64{},
	}
}

// Snapshot is the full tool surface: native tools plus every namespaced
// node tool.
func (t *toolRouter) Snapshot() []protocol.ToolDefinition {
	out := append([]protocol.ToolDefinition{}, nativeTools...)
	out = append(out, t.g.nodes.NamespacedTools()...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DispatchSessionTool routes one tool call from an agent run. Implements
// agent.Router.
func (t *toolRouter) DispatchSessionTool(ctx context.Context, sessionKey, callID, wireName string, args json.RawMessage) error {
	ctx, span := t.g.tracer.Start(ctx, "tool.dispatch")
	span.SetAttributes(attribute.String("tool", wireName), attribute.String("sessionKey", sessionKey))
	defer span.End()

	if isNativeTool(wireName) {
		go t.runNative(ctx, sessionKey, callID, wireName, args)
		return nil
	}

	nodeID, bare, err := t.g.nodes.ResolveTool(wireName)
	if err != nil {
		return err
	}
	peer, ok := t.g.nodePeer(nodeID)
	if !ok {
		return fmt.Errorf("node %s not connected", nodeID)
	}

	call := pendingCall{
		CallID:     callID,
		Route:      routeSession,
		SessionKey: sessionKey,
		NodeID:     nodeID,
		Tool:       bare,
		CreatedAt:  t.g.now().UnixMilli(),
	}
	if err := t.pending.Put(ctx, callID, call); err != nil {
		return err
	}
	if isExecTool(bare) {
		t.g.registerExecSession(ctx, callID, sessionKey)
	}
	peer.SendEvent(protocol.EventToolInvoke, protocol.ToolInvokeEvent{
		CallID: callID,
		Tool:   bare,
		Args:   args,
	})
	t.g.logger.Info("tool.dispatched", "tool", wireName, "callId", callID, "node", nodeID)
	return nil
}

// DispatchClientTool routes a client's tool.invoke. The client's res is
// deferred until the node answers.
func (t *toolRouter) DispatchClientTool(ctx context.Context, clientKey, reqID, wireName string, args json.RawMessage) error {
	nodeID, bare, err := t.g.nodes.ResolveTool(wireName)
	if err != nil {
		return err
	}
	peer, ok := t.g.nodePeer(nodeID)
	if !ok {
		return protocol.NewRpcError(protocol.CodeUnavailable, "node %s not connected", nodeID)
	}
	callID := "call-" + reqID
	call := pendingCall{
		CallID:    callID,
		Route:     routeClient,
		ClientKey: clientKey,
		ReqID:     reqID,
		NodeID:    nodeID,
		Tool:      bare,
		CreatedAt: t.g.now().UnixMilli(),
	}
	if err := t.pending.Put(ctx, callID, call); err != nil {
		return err
	}
	peer.SendEvent(protocol.EventToolInvoke, protocol.ToolInvokeEvent{
		CallID: callID,
		Tool:   bare,
		Args:   args,
	})
	return nil
}

// HandleResult ingests tool.result from a node and delivers to the
// call's route.
func (t *toolRouter) HandleResult(ctx context.Context, callID string, result json.RawMessage, errShape *protocol.ErrorShape) error {
	call, ok, err := t.pending.Get(ctx, callID)
	if err != nil {
		return err
	}
	if !ok {
		t.mu.Lock()
		_, wasDropped := t.dropped[callID]
		t.mu.Unlock()
		if wasDropped {
			return protocol.NewRpcError(protocol.CodeUnavailable, "client disconnected")
		}
		t.g.logger.Warn("tool.unknown_call", "callId", callID)
		return nil
	}
	if err := t.pending.Delete(ctx, callID); err != nil {
		return err
	}

	switch call.Route {
	case routeSession:
		sess := t.g.agents.Get(call.SessionKey)
		if errShape != nil {
			sess.ToolResult(ctx, callID, errShape.Message, true)
		} else {
			sess.ToolResult(ctx, callID, resultText(result), false)
		}
	case routeClient:
		peer, ok := t.g.peer(call.ClientKey)
		if !ok {
			return protocol.NewRpcError(protocol.CodeUnavailable, "client disconnected")
		}
		if errShape != nil {
			peer.SendError(call.ReqID, errShape)
		} else {
			peer.SendResult(call.ReqID, json.RawMessage(result))
		}
	}
	return nil
}

// ClientDisconnected purges the client's pendings. A node answering a
// purged call later gets a 503.
func (t *toolRouter) ClientDisconnected(clientKey string) {
	ctx := context.Background()
	all, err := t.pending.All(ctx)
	if err != nil {
		t.g.logger.Error("tool.purge_failed", "error", err)
		return
	}
	now := t.g.now().UnixMilli()
	for id, call := range all {
		if call.Route != routeClient || call.ClientKey != clientKey {
			continue
		}
		t.pending.Delete(ctx, id)
		t.mu.Lock()
		t.dropped[id] = now
		t.mu.Unlock()
	}
}

// NodeDisconnected fails every in-flight call routed to the node.
func (t *toolRouter) NodeDisconnected(ctx context.Context, nodeID string) {
	all, err := t.pending.All(ctx)
	if err != nil {
		t.g.logger.Error("tool.purge_failed", "error", err)
		return
	}
	for id, call := range all {
		if call.NodeID != nodeID {
			continue
		}
		t.pending.Delete(ctx, id)
		msg := fmt.Sprintf("node %s disconnected", nodeID)
		switch call.Route {
		case routeSession:
			t.g.agents.Get(call.SessionKey).ToolResult(ctx, id, msg, true)
		case routeClient:
			if peer, ok := t.g.peer(call.ClientKey); ok {
				peer.SendError(call.ReqID, &protocol.ErrorShape{
					Code: protocol.CodeUnavailable, Message: msg, Retryable: true,
				})
			}
		}
	}
}

// resultText flattens a node result payload into the string the agent
// loop consumes.
func resultText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	return string(result)
}

// isExecTool reports whether a bare node tool is a long-running shell
// exec, which gets async-exec tracking.
func isExecTool(bare string) bool {
	return bare == "exec" || strings.HasSuffix(bare, "_exec") || bare == "shell"
}

// Native tools the gateway serves itself.
var nativeTools = []protocol.ToolDefinition{
	{
		Name:        "message",
		Description: "Send a message to a channel peer. Defaults to the most recent conversation when channel/to are omitted.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"},"channel":{"type":"string"},"accountId":{"type":"string"},"to":{"type":"string"}},"required":["text"]}`),
	},
	{
		Name:        "sessions_list",
		Description: "List known sessions.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "session_send",
		Description: "Send a message into another session.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"sessionKey":{"type":"string"},"text":{"type":"string"}},"required":["sessionKey","text"]}`),
	},
	{
		Name:        "config_get",
		Description: "Read a config value by dotted path. Secrets are masked.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	},
	{
		Name:        "cron_add",
		Description: "Schedule a job. schedule: {kind:at|every|cron,...}; spec: {mode:systemEvent|task,...}.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"schedule":{"type":"object"},"spec":{"type":"object"},"deleteAfterRun":{"type":"boolean"}},"required":["schedule","spec"]}`),
	},
	{
		Name:        "cron_list",
		Description: "List scheduled jobs.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "cron_remove",
		Description: "Remove a scheduled job by id.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
	},
}

func isNativeTool(name string) bool {
	for _, d := range nativeTools {
		if d.Name == name {
			return true
		}
	}
	return false
}

// runNative executes a gateway-native tool and feeds the result back
// into the session.
func (t *toolRouter) runNative(ctx context.Context, sessionKey, callID, name string, args json.RawMessage) {
	sess := t.g.agents.Get(sessionKey)
	result, err := t.execNative(ctx, sessionKey, name, args)
	if err != nil {
		sess.ToolResult(ctx, callID, err.Error(), true)
		return
	}
	sess.ToolResult(ctx, callID, result, false)
}

func (t *toolRouter) execNative(ctx context.Context, sessionKey, name string, args json.RawMessage) (string, error) {
	switch name {
	case "message":
		return t.g.nativeMessage(ctx, sessionKey, args)
	case "sessions_list":
		entries, err := t.g.sessionReg.All(ctx)
		if err != nil {
			return "", err
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, "\n"), nil
	case "session_send":
		var p struct {
			SessionKey string `json:"sessionKey"`
			Text       string `json:"text"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("bad args: %w", err)
		}
		res, err := t.g.agents.Get(p.SessionKey).ChatSend(ctx, agent.SendRequest{
			Text:       p.Text,
			Tools:      t.g.tools.Snapshot(),
			SessionKey: p.SessionKey,
		})
		if err != nil {
			return "", err
		}
		return "send " + res.Status, nil
	case "config_get":
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("bad args: %w", err)
		}
		v, ok := t.g.cfgStore.GetSafe(p.Path)
		if !ok {
			return "", fmt.Errorf("no config at %q", p.Path)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case "cron_add":
		var p struct {
			Name           string        `json:"name"`
			Schedule       cron.Schedule `json:"schedule"`
			Spec           cron.Spec     `json:"spec"`
			DeleteAfterRun bool          `json:"deleteAfterRun"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("bad args: %w", err)
		}
		agentID := sessions.AgentOf(sessionKey)
		job, err := t.g.addJob(ctx, agentID, p.Name, p.Schedule, p.Spec, p.DeleteAfterRun)
		if err != nil {
			return "", err
		}
		return "scheduled " + job.ID, nil
	case "cron_list":
		jobs, err := t.g.jobs.All(ctx)
		if err != nil {
			return "", err
		}
		var lines []string
		for _, j := range jobs {
			lines = append(lines, fmt.Sprintf("%s %s next=%d", j.ID, j.Name, j.State.NextRunAtMs))
		}
		sort.Strings(lines)
		return strings.Join(lines, "\n"), nil
	case "cron_remove":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("bad args: %w", err)
		}
		if err := t.g.jobs.Delete(ctx, p.ID); err != nil {
			return "", err
		}
		t.g.rescheduleAlarm()
		return "removed", nil
	default:
		return "", fmt.Errorf("unknown native tool %q", name)
	}
}

// nativeMessage is the message tool: deliver text to a channel peer,
// defaulting the target from the agent's last active context when it is
// fresh enough.
func (g *Gateway) nativeMessage(ctx context.Context, sessionKey string, args json.RawMessage) (string, error) {
	var p struct {
		Text      string `json:"text"`
		Channel   string `json:"channel"`
		AccountID string `json:"accountId"`
		To        string `json:"to"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("bad args: %w", err)
	}
	if p.Text == "" {
		return "", fmt.Errorf("text required")
	}

	agentID := sessions.AgentOf(sessionKey)
	peer := protocol.ChannelPeer{Kind: protocol.PeerKindDM, ID: p.To}
	if p.Channel == "" || p.To == "" {
		la, ok, err := g.lastActive.Get(ctx, agentID)
		if err != nil {
			return "", err
		}
		// Stale context cannot be a default target; require addressing.
		if !ok || g.now().UnixMilli()-la.Timestamp > 24*time.Hour.Milliseconds() {
			return "", fmt.Errorf("no recent conversation to target; pass channel and to explicitly")
		}
		if p.Channel == "" {
			p.Channel = la.Channel
		}
		if p.AccountID == "" {
			p.AccountID = la.AccountID
		}
		if p.To == "" {
			peer = la.Peer
		}
	}

	err := g.SendMessage(ctx, p.Channel, p.AccountID, protocol.ChannelOutboundMessage{
		Peer: peer,
		Text: p.Text,
	})
	if err != nil {
		return "", err
	}
	return "sent", nil
}

// execHost returns the unique execution node, when one is connected.
func (g *Gateway) execHost() (nodes.Node, bool) {
	return g.nodes.ExecutionHost()
}
