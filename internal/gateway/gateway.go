// Package gateway is the coordinator: it terminates WebSocket peers
// (clients, nodes, channel adapters), routes RPC methods, fans agent
// output back to channels, and drives heartbeats, cron, probes, and
// async-exec delivery off a single alarm.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/internal/nodes"
	"github.com/nextlevelbuilder/switchboard/internal/providers"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/skills"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/internal/transcribe"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Options configure the gateway beyond its stores.
type Options struct {
	ConfigStore *config.Store
	State       state.Store
	Blobs       blob.Store
	Logger      *slog.Logger
	Now         func() time.Time
}

// Gateway is the singleton coordinator. It is the sole writer of every
// persisted map it owns; sessions write only their own state.
type Gateway struct {
	cfgStore *config.Store
	current  atomic.Pointer[config.Config]
	logger   *slog.Logger
	nowFn    func() time.Time
	tracer   trace.Tracer

	store state.Store
	blobs blob.Store

	nodes    *nodes.Registry
	agents   *agent.Manager
	skills   *skills.Manager
	pipeline *channels.Pipeline
	replies  *replyRouter
	consumer *consumer

	peersMu sync.RWMutex
	peers   map[string]*Peer

	tools *toolRouter

	// Persisted maps, one top-level key per entry.
	sessionReg *state.Map[sessions.RegistryEntry]
	channelReg *state.Map[sessions.ChannelEntry]
	lastActive *state.Map[sessions.LastActiveContext]
	pairings   *state.Map[sessions.PairingRecord]
	jobs       *state.Map[cron.Job]
	jobRuns    *state.Map[[]cron.Run]
	heartbeats *state.Map[heartbeatState]
	probes     *state.Map[pendingProbe]
	execs      *state.Map[execSession]
	deliveries *state.Map[execDelivery]
	delivered  *state.Map[deliveredEvent]

	logsMu      sync.Mutex
	pendingLogs map[string]pendingLog

	alarmMu sync.Mutex
	alarm   *time.Timer

	methodsOnce sync.Once
	methodTable map[string]handler

	closed chan struct{}
}

// New wires the gateway from its stores.
func New(opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg, err := opts.ConfigStore.Effective()
	if err != nil {
		return nil, fmt.Errorf("gateway: load config: %w", err)
	}

	g := &Gateway{
		cfgStore: opts.ConfigStore,
		logger:   opts.Logger,
		nowFn:    opts.Now,
		tracer:   otel.Tracer("switchboard/gateway"),
		store:    opts.State,
		blobs:    opts.Blobs,
		nodes:    nodes.NewRegistry(),
		skills:   skills.NewManager(opts.Blobs, opts.Logger),
		peers:    map[string]*Peer{},
		closed:   make(chan struct{}),

		pendingLogs: map[string]pendingLog{},

		sessionReg: state.NewMap[sessions.RegistryEntry](opts.State, "sessions.registry/"),
		channelReg: state.NewMap[sessions.ChannelEntry](opts.State, "channels.registry/"),
		lastActive: state.NewMap[sessions.LastActiveContext](opts.State, "lastActive/"),
		pairings:   state.NewMap[sessions.PairingRecord](opts.State, "pairings/"),
		jobs:       state.NewMap[cron.Job](opts.State, "cron.jobs/"),
		jobRuns:    state.NewMap[[]cron.Run](opts.State, "cron.runs/"),
		heartbeats: state.NewMap[heartbeatState](opts.State, "heartbeats/"),
		probes:     state.NewMap[pendingProbe](opts.State, "probes/"),
		execs:      state.NewMap[execSession](opts.State, "exec.sessions/"),
		deliveries: state.NewMap[execDelivery](opts.State, "exec.deliveries/"),
		delivered:  state.NewMap[deliveredEvent](opts.State, "exec.delivered/"),
	}
	g.current.Store(cfg)
	opts.ConfigStore.OnChange(func(c *config.Config) {
		g.current.Store(c)
		g.logger.Info("config.updated")
		g.rescheduleAlarm()
	})

	g.replies = newReplyRouter(g)
	g.tools = newToolRouter(g)
	g.consumer = newConsumer(g)

	g.agents = agent.NewManager(agent.Deps{
		States:       state.NewMap[agent.State](opts.State, "sessions/"),
		Blobs:        opts.Blobs,
		Config:       g.Config,
		Provider:     g.provider,
		Router:       g.tools,
		Emitter:      g.replies,
		SystemPrompt: g.systemPrompt,
		Logger:       opts.Logger,
		Now:          opts.Now,
	})

	g.pipeline = channels.New(channels.Deps{
		Config:     g.Config,
		Agents:     g.agents,
		Blobs:      opts.Blobs,
		Registry:   g.sessionReg,
		Pairings:   g.pairings,
		LastActive: g.lastActive,
		Replies:    g.replies,
		Sender:     g,
		Tools:      g.toolsSnapshot,
		Logger:     opts.Logger,
		Now:        opts.Now,
	}, g.transcriber(cfg))

	return g, nil
}

// Config returns the current effective config.
func (g *Gateway) Config() *config.Config {
	return g.current.Load()
}

func (g *Gateway) now() time.Time { return g.nowFn() }

// Start launches the background workers.
func (g *Gateway) Start(ctx context.Context) {
	g.consumer.start(ctx)
	g.rescheduleAlarm()
}

// Close tells peers the gateway is going away and stops the alarm.
func (g *Gateway) Close() {
	select {
	case <-g.closed:
		return
	default:
	}
	close(g.closed)
	g.alarmMu.Lock()
	if g.alarm != nil {
		g.alarm.Stop()
		g.alarm = nil
	}
	g.alarmMu.Unlock()

	g.peersMu.RLock()
	peers := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.peersMu.RUnlock()
	for _, p := range peers {
		p.SendEvent(protocol.EventShutdown, nil)
		p.Close()
	}
}

// provider builds the LLM client for a provider name, keyed off config.
func (g *Gateway) provider(name, model string) (providers.Provider, error) {
	cfg := g.Config()
	key := cfg.APIKeyFor(name)
	if key == "" {
		return nil, fmt.Errorf("no api key configured for provider %q", name)
	}
	return providers.New(name, key)
}

// transcriber selects the audio transcription backend from config.
func (g *Gateway) transcriber(cfg *config.Config) transcribe.Transcriber {
	if cfg.APIKeys.OpenAI == "" {
		return nil
	}
	return transcribe.NewOpenAI(cfg.APIKeys.OpenAI)
}

// systemPrompt assembles the agent's prompt from config and workspace
// files, with eligible skills appended.
func (g *Gateway) systemPrompt(ctx context.Context, agentID string) string {
	cfg := g.Config()
	out := cfg.SystemPrompt
	for _, name := range []string{"SOUL.md", "USER.md", "AGENTS.md", "MEMORY.md", "TOOLS.md"} {
		data, _, err := blob.ReadAll(ctx, g.blobs, "agents/"+agentID+"/"+name)
		if err != nil || len(data) == 0 {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += string(data)
	}
	for _, sk := range g.skills.Eligible(agentID, g.nodes.BinUnion()) {
		if out != "" {
			out += "\n\n"
		}
		out += sk.Body
	}
	return out
}

// toolsSnapshot is the tool surface a run sees: native gateway tools
// plus every namespaced node tool.
func (g *Gateway) toolsSnapshot(agentID string) []protocol.ToolDefinition {
	return g.tools.Snapshot()
}

// registerPeer installs a connected peer, replacing any prior socket
// under the same key. The replaced socket's later close is ignored.
func (g *Gateway) registerPeer(p *Peer) {
	g.peersMu.Lock()
	old, had := g.peers[p.Key()]
	g.peers[p.Key()] = p
	g.peersMu.Unlock()
	if had && old != p {
		old.supersede()
		g.logger.Info("gateway.peer_replaced", "peer", p.Key())
	}
	g.broadcastToClients(protocol.EventPresence, protocol.PresenceEvent{
		Mode: p.info.Mode, ID: p.info.ID, Connected: true,
	})
}

// dropPeer removes a peer on close. Superseded sockets were already
// unhooked and are ignored here.
func (g *Gateway) dropPeer(p *Peer) {
	g.peersMu.Lock()
	cur, ok := g.peers[p.Key()]
	if ok && cur == p {
		delete(g.peers, p.Key())
	} else {
		ok = false
	}
	g.peersMu.Unlock()
	if !ok {
		return
	}

	switch p.info.Mode {
	case protocol.ModeNode:
		// Keep the registry entry so a reconnect is transparent, but stop
		// routing to it and fail what was in flight.
		g.nodes.Disconnect(p.info.ID)
		g.tools.NodeDisconnected(context.Background(), p.info.ID)
		g.requeueProbes(p.info.ID)
	case protocol.ModeClient:
		g.tools.ClientDisconnected(p.Key())
	}
	g.broadcastToClients(protocol.EventPresence, protocol.PresenceEvent{
		Mode: p.info.Mode, ID: p.info.ID, Connected: false,
	})
	g.logger.Info("gateway.peer_disconnected", "peer", p.Key(), "mode", p.info.Mode)
}

// peer returns the connected peer under a key.
func (g *Gateway) peer(key string) (*Peer, bool) {
	g.peersMu.RLock()
	defer g.peersMu.RUnlock()
	p, ok := g.peers[key]
	return p, ok
}

// nodePeer returns the live socket for a node id.
func (g *Gateway) nodePeer(nodeID string) (*Peer, bool) {
	return g.peer(protocol.ModeNode + ":" + nodeID)
}

// channelPeer returns the live socket for a channel account.
func (g *Gateway) channelPeer(channel, accountID string) (*Peer, bool) {
	g.peersMu.RLock()
	defer g.peersMu.RUnlock()
	for _, p := range g.peers {
		if p.info.Mode != protocol.ModeChannel {
			continue
		}
		if p.info.ChannelID == channel && (accountID == "" || p.info.AccountID == accountID) {
			return p, true
		}
	}
	return nil, false
}

// broadcastToClients fans an event out to every connected client.
func (g *Gateway) broadcastToClients(event string, payload interface{}) {
	g.peersMu.RLock()
	defer g.peersMu.RUnlock()
	for _, p := range g.peers {
		if p.info.Mode == protocol.ModeClient {
			p.SendEvent(event, payload)
		}
	}
}

// SendMessage delivers an outbound message over the channel's socket.
// Implements channels.Sender.
func (g *Gateway) SendMessage(ctx context.Context, channel, accountID string, msg protocol.ChannelOutboundMessage) error {
	p, ok := g.channelPeer(channel, accountID)
	if !ok {
		return fmt.Errorf("channel %s/%s not connected", channel, accountID)
	}
	p.SendEvent(protocol.EventChannelSend, channelSendEvent{
		AccountID: accountID,
		Message:   msg,
	})
	return nil
}

// SetTyping toggles the typing indicator. Fire-and-forget.
func (g *Gateway) SetTyping(ctx context.Context, channel, accountID string, peer protocol.ChannelPeer, typing bool) {
	p, ok := g.channelPeer(channel, accountID)
	if !ok {
		return
	}
	p.SendEvent(protocol.EventChannelTyping, channelTypingEvent{
		AccountID: accountID,
		Peer:      peer,
		Typing:    typing,
	})
}

// channelSendEvent is the payload of EventChannelSend.
type channelSendEvent struct {
	AccountID string                          `json:"accountId"`
	Message   protocol.ChannelOutboundMessage `json:"message"`
}

// channelTypingEvent is the payload of EventChannelTyping.
type channelTypingEvent struct {
	AccountID string               `json:"accountId"`
	Peer      protocol.ChannelPeer `json:"peer"`
	Typing    bool                 `json:"typing"`
}

// Rehydrate walks the live sockets, re-registers node peers from their
// connection attachments, and evicts any node whose tool registry went
// missing (desync). Registry entries without a live socket are kept so
// reconnects stay transparent.
func (g *Gateway) Rehydrate() {
	g.peersMu.RLock()
	peers := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.peersMu.RUnlock()

	for _, p := range peers {
		if p.info.Mode != protocol.ModeNode {
			continue
		}
		if _, ok := g.nodes.Get(p.info.ID); !ok {
			g.logger.Warn("gateway.rehydrate_evict", "node", p.info.ID)
			p.Evict()
			continue
		}
		if err := g.nodes.Register(p.info.ID, p.nodeRuntime, p.nodeTools); err != nil {
			g.logger.Warn("gateway.rehydrate_evict", "node", p.info.ID, "error", err)
			p.Evict()
		}
	}
}
