package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/providers"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/internal/transcribe"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Inbound statuses returned to the channel adapter.
const (
	StatusDispatched = "dispatched"
	StatusQueued     = "queued"
	StatusHandled    = "handled" // command or directive-only, replied inline
	StatusHeld       = "held"    // awaiting pairing approval
	StatusDropped    = "dropped"
)

// Outcome is the channel.inbound response payload.
type Outcome struct {
	Status     string `json:"status"`
	SessionKey string `json:"sessionKey,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

// ReplyRoute tells the reply router where a run's output goes.
type ReplyRoute struct {
	Channel    string
	AccountID  string
	Peer       protocol.ChannelPeer
	ReplyToID  string
	SessionKey string
}

// ReplyRoutes is the pending-response table kept by the gateway.
type ReplyRoutes interface {
	Register(runID string, route ReplyRoute)
	Cancel(runID string)
}

// Sender delivers outbound messages and typing signals to a channel
// adapter.
type Sender interface {
	SendMessage(ctx context.Context, channel, accountID string, msg protocol.ChannelOutboundMessage) error
	SetTyping(ctx context.Context, channel, accountID string, peer protocol.ChannelPeer, typing bool)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Config     func() *config.Config
	Agents     *agent.Manager
	Blobs      blob.Store
	Registry   *state.Map[sessions.RegistryEntry]
	Pairings   *state.Map[sessions.PairingRecord]
	LastActive *state.Map[sessions.LastActiveContext]
	Replies    ReplyRoutes
	Sender     Sender
	// Tools returns the tool surface offered to an agent's runs.
	Tools  func(agentID string) []protocol.ToolDefinition
	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Pipeline processes inbound channel messages end to end: admission,
// agent binding, session keying, commands and directives, media, and
// dispatch into the session actor.
type Pipeline struct {
	deps        Deps
	logger      *slog.Logger
	transcriber transcribe.Transcriber
}

// New builds the pipeline. The transcriber comes from config at startup
// and may be nil when no transcription key is available.
func New(deps Deps, t transcribe.Transcriber) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{deps: deps, logger: deps.Logger, transcriber: t}
}

// Handle runs one inbound message through the pipeline.
func (p *Pipeline) Handle(ctx context.Context, channel, accountID string, msg protocol.ChannelInboundMessage) (*Outcome, error) {
	cfg := p.deps.Config()
	channel = strings.ToLower(channel)

	senderID, senderName := senderOf(msg)
	admitted, firstHold := p.admit(ctx, cfg, channel, senderID, senderName, msg.Text)
	if !admitted {
		if firstHold {
			p.reply(ctx, channel, accountID, msg, "Your message is awaiting approval.")
			return &Outcome{Status: StatusHeld}, nil
		}
		p.logger.Info("channel.dropped", "channel", channel, "sender", senderID)
		return &Outcome{Status: StatusDropped}, nil
	}

	agentID := p.bindAgent(cfg, channel, accountID, msg.Peer)
	sessionKey := sessions.BuildKey(agentID, channel, accountID, msg.Peer, cfg.Session)
	p.touch(ctx, agentID, sessionKey, channel, accountID, msg.Peer)

	sess := p.deps.Agents.Get(sessionKey)

	if cmd, ok := ParseCommand(msg.Text); ok {
		text := p.RunCommand(ctx, sess, cmd)
		p.reply(ctx, channel, accountID, msg, text)
		return &Outcome{Status: StatusHandled, SessionKey: sessionKey}, nil
	}

	cleaned, dir := ParseDirectives(msg.Text)
	if DirectiveOnly(cleaned, dir) && len(msg.Media) == 0 {
		text := p.ApplyDirectives(ctx, sess, dir)
		p.reply(ctx, channel, accountID, msg, text)
		return &Outcome{Status: StatusHandled, SessionKey: sessionKey}, nil
	}

	media := p.processMedia(ctx, sessionKey, msg.Media)
	body := p.envelope(cfg, channel, msg, senderName, cleaned, media)
	if max := cfg.Gateway.MaxMessageChars; max > 0 && len(body) > max {
		body = body[:max]
	}

	runID := uuid.NewString()
	req := agent.SendRequest{
		RunID:      runID,
		Text:       body,
		Tools:      p.tools(sess.AgentID),
		Media:      media,
		SessionKey: sessionKey,
	}
	if dir.Thinking != "" || dir.Model != "" {
		req.Overrides = OverridesFor(dir)
	}

	p.deps.Replies.Register(runID, ReplyRoute{
		Channel:    channel,
		AccountID:  accountID,
		Peer:       msg.Peer,
		ReplyToID:  msg.MessageID,
		SessionKey: sessionKey,
	})
	p.deps.Sender.SetTyping(ctx, channel, accountID, msg.Peer, true)

	res, err := sess.ChatSend(ctx, req)
	if err != nil {
		p.deps.Replies.Cancel(runID)
		p.deps.Sender.SetTyping(ctx, channel, accountID, msg.Peer, false)
		p.logger.Error("channel.dispatch_failed", "sessionKey", sessionKey, "error", err)
		return nil, err
	}
	status := StatusDispatched
	if res.Status == agent.SendQueued {
		status = StatusQueued
	}
	return &Outcome{Status: status, SessionKey: sessionKey, RunID: res.RunID}, nil
}

// admit applies the channel's dmPolicy. The second return is true only
// for the first held message of a new pairing request; repeats stay
// silent.
func (p *Pipeline) admit(ctx context.Context, cfg *config.Config, channel, senderID, senderName, text string) (admitted, firstHold bool) {
	pol := cfg.ChannelPolicy(channel)
	switch pol.DMPolicy {
	case config.DMPolicyOpen:
		return true, false
	case config.DMPolicyAllowlist:
		return allowed(pol.AllowFrom, channel, senderID), false
	default: // pairing
		if allowed(pol.AllowFrom, channel, senderID) {
			return true, false
		}
		key := channel + ":" + senderID
		if _, ok, err := p.deps.Pairings.Get(ctx, key); err == nil && ok {
			return false, false
		}
		rec := sessions.PairingRecord{
			Channel:      channel,
			SenderID:     senderID,
			SenderName:   senderName,
			RequestedAt:  p.deps.now().UnixMilli(),
			FirstMessage: truncate(text, 200),
		}
		if err := p.deps.Pairings.Put(ctx, key, rec); err != nil {
			p.logger.Error("channel.pairing_save_failed", "channel", channel, "sender", senderID, "error", err)
		}
		p.logger.Info("channel.pairing_requested", "channel", channel, "sender", senderID)
		return false, true
	}
}

// allowed checks a normalized sender against an allowFrom list. Entries
// are bare ids or "channel:id".
func allowed(allowFrom []string, channel, senderID string) bool {
	for _, e := range allowFrom {
		if e == "*" {
			return true
		}
		if sessions.NormalizeID(e) == senderID {
			return true
		}
		if strings.EqualFold(e, channel+":"+senderID) {
			return true
		}
	}
	return false
}

// bindAgent picks the agent for a message. First matching binding wins,
// then the default agent.
func (p *Pipeline) bindAgent(cfg *config.Config, channel, accountID string, peer protocol.ChannelPeer) string {
	for _, b := range cfg.Agents.Bindings {
		m := b.Match
		if m.Channel != "" && !strings.EqualFold(m.Channel, channel) {
			continue
		}
		if m.AccountID != "" && m.AccountID != accountID {
			continue
		}
		if m.Peer != nil {
			if m.Peer.Kind != "" && !strings.EqualFold(m.Peer.Kind, peer.Kind) {
				continue
			}
			if m.Peer.ID != "" && sessions.NormalizeID(m.Peer.ID) != sessions.NormalizeID(peer.ID) {
				continue
			}
		}
		return b.AgentID
	}
	return cfg.DefaultAgent()
}

// touch updates the session registry and the agent's last-active context.
// Every admitted inbound lands here, commands included, so delivery
// fallbacks always point at the freshest conversation.
func (p *Pipeline) touch(ctx context.Context, agentID, sessionKey, channel, accountID string, peer protocol.ChannelPeer) {
	now := p.deps.now().UnixMilli()
	err := p.deps.Registry.Update(ctx, sessionKey, func(e *sessions.RegistryEntry) {
		if e.CreatedAt == 0 {
			e.CreatedAt = now
		}
		e.SessionKey = sessionKey
		e.LastActiveAt = now
	})
	if err != nil {
		p.logger.Error("channel.registry_update_failed", "sessionKey", sessionKey, "error", err)
	}
	err = p.deps.LastActive.Put(ctx, agentID, sessions.LastActiveContext{
		Channel:    channel,
		AccountID:  accountID,
		Peer:       peer,
		SessionKey: sessionKey,
		Timestamp:  now,
	})
	if err != nil {
		p.logger.Error("channel.last_active_update_failed", "agentId", agentID, "error", err)
	}
}

// RunCommand executes a full-message slash command against the session.
func (p *Pipeline) RunCommand(ctx context.Context, sess *agent.Session, cmd Command) string {
	switch cmd.Name {
	case "reset":
		if err := sess.Reset(ctx); err != nil {
			return "Reset failed: " + err.Error()
		}
		return "Started a new session."
	case "compact":
		keep := agent.DefaultCompactKeep
		if cmd.Args != "" {
			n, err := strconv.Atoi(cmd.Args)
			if err != nil {
				return "Invalid count"
			}
			keep = n
		}
		if err := sess.Compact(ctx, keep); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Compacted to the last %d messages.", keep)
	case "stop":
		res := sess.Abort(ctx)
		if !res.WasRunning {
			return "No run in progress."
		}
		return "Stopped."
	case "status":
		return p.statusText(ctx, sess)
	case "model":
		if cmd.Args == "" {
			return p.modelText(ctx, sess)
		}
		ref, ok := providers.ResolveModel(cmd.Args)
		if !ok {
			return "Unknown model. Aliases: " + strings.Join(providers.ModelAliases(), ", ")
		}
		err := sess.ApplyPatch(ctx, agent.Patch{Settings: &agent.Settings{Provider: ref.Provider, Model: ref.ID}})
		if err != nil {
			return "Model change failed: " + err.Error()
		}
		return fmt.Sprintf("Model set to %s/%s.", ref.Provider, ref.ID)
	case "think":
		level := strings.ToLower(cmd.Args)
		if level == "" {
			return "Thinking levels: " + strings.Join(ThinkingLevels, ", ")
		}
		if !ValidThinkingLevel(level) {
			return "Invalid thinking level. Use one of: " + strings.Join(ThinkingLevels, ", ")
		}
		err := sess.ApplyPatch(ctx, agent.Patch{Settings: &agent.Settings{Thinking: level}})
		if err != nil {
			return "Thinking change failed: " + err.Error()
		}
		return "Thinking set to " + level + "."
	case "help":
		return helpText
	default:
		return "Unknown command. Send /help for the list."
	}
}

const helpText = `Commands:
/new (or /reset) - start a fresh session
/compact [n] - archive all but the last n messages
/stop - abort the current run
/status - session and model info
/model [name] - show or switch the model
/think [level] - show or set the thinking level
/help - this text

Inline: /think:<level> /model:<name> /status`

// statusText builds the /status reply.
func (p *Pipeline) statusText(ctx context.Context, sess *agent.Session) string {
	stats, err := sess.Stats(ctx)
	if err != nil {
		return "Status unavailable: " + err.Error()
	}
	st, err := sess.Get(ctx)
	if err != nil {
		return "Status unavailable: " + err.Error()
	}
	cfg := p.deps.Config()
	provider, model := cfg.Model.Provider, cfg.Model.ID
	if st.Settings.Provider != "" {
		provider = st.Settings.Provider
	}
	if st.Settings.Model != "" {
		model = st.Settings.Model
	}
	running := "idle"
	if stats.Running {
		running = "running"
	}
	lines := []string{
		"Session: " + stats.SessionKey,
		fmt.Sprintf("Model: %s/%s", provider, model),
		fmt.Sprintf("Messages: %d", stats.MessageCount),
		fmt.Sprintf("Tokens: %d in / %d out", stats.InputTokens, stats.OutputTokens),
		"State: " + running,
	}
	if st.Settings.Thinking != "" {
		lines = append(lines, "Thinking: "+st.Settings.Thinking)
	}
	return strings.Join(lines, "\n")
}

// modelText builds the /model reply when no argument is given.
func (p *Pipeline) modelText(ctx context.Context, sess *agent.Session) string {
	st, err := sess.Get(ctx)
	if err != nil {
		return "Model info unavailable: " + err.Error()
	}
	cfg := p.deps.Config()
	provider, model := cfg.Model.Provider, cfg.Model.ID
	if st.Settings.Provider != "" {
		provider = st.Settings.Provider
	}
	if st.Settings.Model != "" {
		model = st.Settings.Model
	}
	return fmt.Sprintf("Current model: %s/%s\nAliases: %s", provider, model, strings.Join(providers.ModelAliases(), ", "))
}

// ApplyDirectives handles a directive-only message: persist the settings
// change and acknowledge.
func (p *Pipeline) ApplyDirectives(ctx context.Context, sess *agent.Session, d Directives) string {
	var parts []string
	settings := &agent.Settings{}
	changed := false
	if d.Model != "" {
		if ref, ok := providers.ResolveModel(d.Model); ok {
			settings.Provider = ref.Provider
			settings.Model = ref.ID
			parts = append(parts, fmt.Sprintf("model=%s/%s", ref.Provider, ref.ID))
			changed = true
		} else {
			parts = append(parts, "model unchanged (unknown: "+d.Model+")")
		}
	}
	if d.Thinking != "" {
		settings.Thinking = d.Thinking
		parts = append(parts, "thinking="+d.Thinking)
		changed = true
	}
	if changed {
		if err := sess.ApplyPatch(ctx, agent.Patch{Settings: settings}); err != nil {
			return "Update failed: " + err.Error()
		}
	}
	if d.WantStatus {
		return p.statusText(ctx, sess)
	}
	return "Updated: " + strings.Join(parts, ", ")
}

// OverridesFor maps inline directives onto a single run.
func OverridesFor(d Directives) *agent.Overrides {
	o := &agent.Overrides{Thinking: d.Thinking}
	if d.Model != "" {
		if ref, ok := providers.ResolveModel(d.Model); ok {
			o.Provider = ref.Provider
			o.Model = ref.ID
		}
	}
	return o
}

// envelope prefixes the message with its channel context so the agent
// knows where it is speaking.
func (p *Pipeline) envelope(cfg *config.Config, channel string, msg protocol.ChannelInboundMessage, senderName, text string, media []protocol.ChannelMedia) string {
	loc := time.Local
	if cfg.UserTimezone != "" {
		if l, err := time.LoadLocation(cfg.UserTimezone); err == nil {
			loc = l
		}
	}
	ts := p.deps.now().In(loc).Format("2006-01-02 15:04")
	header := fmt.Sprintf("[%s · %s · peer=%s · sender=%s]", channel, ts, msg.Peer.Kind, senderName)

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	if msg.ReplyToText != "" {
		b.WriteString("> " + truncate(msg.ReplyToText, 200) + "\n")
	}
	b.WriteString(text)
	for _, m := range media {
		if m.Transcription != "" {
			b.WriteString("\n[audio transcript] " + m.Transcription)
		} else if m.StoreKey != "" && m.Type != protocol.MediaImage {
			b.WriteString(fmt.Sprintf("\n[attachment %s %s]", m.Type, m.StoreKey))
		}
	}
	return b.String()
}

// tools returns the run's tool surface, tolerating a nil provider during
// tests.
func (p *Pipeline) tools(agentID string) []protocol.ToolDefinition {
	if p.deps.Tools == nil {
		return nil
	}
	return p.deps.Tools(agentID)
}

// reply sends an inline pipeline response back to the originating peer.
func (p *Pipeline) reply(ctx context.Context, channel, accountID string, msg protocol.ChannelInboundMessage, text string) {
	err := p.deps.Sender.SendMessage(ctx, channel, accountID, protocol.ChannelOutboundMessage{
		Peer:      msg.Peer,
		Text:      text,
		ReplyToID: msg.MessageID,
	})
	if err != nil {
		p.logger.Error("channel.reply_failed", "channel", channel, "error", err)
	}
}

// senderOf resolves the normalized sender identity of a message.
func senderOf(msg protocol.ChannelInboundMessage) (id, name string) {
	if msg.Sender != nil && msg.Sender.ID != "" {
		name = msg.Sender.Name
		if name == "" {
			name = msg.Sender.ID
		}
		return sessions.NormalizeID(msg.Sender.ID), name
	}
	name = msg.Peer.Name
	if name == "" {
		name = msg.Peer.ID
	}
	return sessions.NormalizeID(msg.Peer.ID), name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ApprovePairing admits a held sender: the record is removed and the
// caller persists the allowlist change. Returns the record so the
// operator sees who was approved.
func (p *Pipeline) ApprovePairing(ctx context.Context, channel, senderID string) (*sessions.PairingRecord, error) {
	key := strings.ToLower(channel) + ":" + sessions.NormalizeID(senderID)
	rec, ok, err := p.deps.Pairings.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no pending pairing for %s", key)
	}
	if err := p.deps.Pairings.Delete(ctx, key); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DenyPairing drops a held sender's record.
func (p *Pipeline) DenyPairing(ctx context.Context, channel, senderID string) error {
	key := strings.ToLower(channel) + ":" + sessions.NormalizeID(senderID)
	return p.deps.Pairings.Delete(ctx, key)
}

// ListPairings returns all held records keyed by "channel:senderId".
func (p *Pipeline) ListPairings(ctx context.Context) (map[string]sessions.PairingRecord, error) {
	return p.deps.Pairings.All(ctx)
}
