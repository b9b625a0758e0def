package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/providers"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []protocol.ChannelOutboundMessage
	typing []bool
}

func (f *fakeSender) SendMessage(_ context.Context, _, _ string, msg protocol.ChannelOutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) SetTyping(_ context.Context, _, _ string, _ protocol.ChannelPeer, typing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
}

func (f *fakeSender) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	return f.sent[len(f.sent)-1].Text
}

type fakeReplies struct {
	mu         sync.Mutex
	registered []string
	cancelled  []string
}

func (f *fakeReplies) Register(runID string, _ ReplyRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, runID)
}

func (f *fakeReplies) Cancel(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
}

type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{
		Message: protocol.Message{
			Role:    protocol.RoleAssistant,
			Content: []protocol.ContentBlock{protocol.TextBlock("ok")},
		},
		StopReason: "stop",
	}, nil
}

type nullEmitter struct{}

func (nullEmitter) EmitChat(protocol.ChatEvent) {}

type nullRouter struct{}

func (nullRouter) DispatchSessionTool(context.Context, string, string, string, json.RawMessage) error {
	return nil
}

func testPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *fakeSender, *fakeReplies) {
	t.Helper()
	store := state.NewMemory()
	t.Cleanup(func() { store.Close() })
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	agents := agent.NewManager(agent.Deps{
		States: state.NewMap[agent.State](store, "sessions/"),
		Blobs:  blobs,
		Config: func() *config.Config { return cfg },
		Provider: func(name, model string) (providers.Provider, error) {
			return echoProvider{}, nil
		},
		Router:  nullRouter{},
		Emitter: nullEmitter{},
		Logger:  slog.Default(),
	})

	sender := &fakeSender{}
	replies := &fakeReplies{}
	p := New(Deps{
		Config:     func() *config.Config { return cfg },
		Agents:     agents,
		Blobs:      blobs,
		Registry:   state.NewMap[sessions.RegistryEntry](store, "sessions.registry/"),
		Pairings:   state.NewMap[sessions.PairingRecord](store, "pairings/"),
		LastActive: state.NewMap[sessions.LastActiveContext](store, "lastActive/"),
		Replies:    replies,
		Sender:     sender,
		Logger:     slog.Default(),
	}, nil)
	return p, sender, replies
}

func inbound(text string) protocol.ChannelInboundMessage {
	return protocol.ChannelInboundMessage{
		MessageID: "m1",
		Peer:      protocol.ChannelPeer{Kind: protocol.PeerKindDM, ID: "+1 (555) 123-4567", Name: "Ada"},
		Text:      text,
	}
}

func openConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"whatsapp": {DMPolicy: config.DMPolicyOpen},
	}
	return cfg
}

func TestHandleDispatchesMessage(t *testing.T) {
	p, _, replies := testPipeline(t, openConfig())

	out, err := p.Handle(context.Background(), "whatsapp", "acct1", inbound("hello there"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDispatched {
		t.Fatalf("status = %q, want dispatched", out.Status)
	}
	if out.SessionKey != "agent:main:main" {
		t.Fatalf("sessionKey = %q", out.SessionKey)
	}
	replies.mu.Lock()
	defer replies.mu.Unlock()
	if len(replies.registered) != 1 || replies.registered[0] != out.RunID {
		t.Fatalf("reply route not registered for run %q", out.RunID)
	}
}

func TestHandleUpdatesRegistryAndLastActive(t *testing.T) {
	p, _, _ := testPipeline(t, openConfig())
	ctx := context.Background()

	out, err := p.Handle(ctx, "whatsapp", "acct1", inbound("hi"))
	if err != nil {
		t.Fatal(err)
	}
	entry, ok, err := p.deps.Registry.Get(ctx, out.SessionKey)
	if err != nil || !ok {
		t.Fatalf("registry entry missing: ok=%v err=%v", ok, err)
	}
	if entry.LastActiveAt == 0 || entry.CreatedAt == 0 {
		t.Fatalf("registry entry not stamped: %+v", entry)
	}
	la, ok, err := p.deps.LastActive.Get(ctx, "main")
	if err != nil || !ok {
		t.Fatalf("lastActive missing: ok=%v err=%v", ok, err)
	}
	if la.Channel != "whatsapp" || la.SessionKey != out.SessionKey {
		t.Fatalf("lastActive = %+v", la)
	}
}

func TestPairingHoldsAndRepliesOnce(t *testing.T) {
	cfg := config.Default() // unconfigured channel defaults to pairing
	p, sender, _ := testPipeline(t, cfg)
	ctx := context.Background()

	out, err := p.Handle(ctx, "signal", "acct1", inbound("first contact"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusHeld {
		t.Fatalf("status = %q, want held", out.Status)
	}
	if got := sender.lastText(t); !strings.Contains(got, "awaiting approval") {
		t.Fatalf("reply = %q", got)
	}

	// Repeat messages stay silent.
	out, err = p.Handle(ctx, "signal", "acct1", inbound("hello?"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDropped {
		t.Fatalf("repeat status = %q, want dropped", out.Status)
	}
	sender.mu.Lock()
	sent := len(sender.sent)
	sender.mu.Unlock()
	if sent != 1 {
		t.Fatalf("sent %d replies, want 1", sent)
	}

	recs, err := p.ListPairings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := recs["signal:+15551234567"]
	if !ok {
		t.Fatalf("pairing record missing, have %v", recs)
	}
	if rec.FirstMessage != "first contact" {
		t.Fatalf("firstMessage = %q", rec.FirstMessage)
	}
}

func TestPairingApproveAndDeny(t *testing.T) {
	cfg := config.Default()
	p, _, _ := testPipeline(t, cfg)
	ctx := context.Background()

	if _, err := p.Handle(ctx, "signal", "a", inbound("hi")); err != nil {
		t.Fatal(err)
	}
	rec, err := p.ApprovePairing(ctx, "signal", "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SenderID != "+15551234567" {
		t.Fatalf("approved sender = %q", rec.SenderID)
	}
	if _, err := p.ApprovePairing(ctx, "signal", "+15551234567"); err == nil {
		t.Fatal("second approve should fail")
	}
	if err := p.DenyPairing(ctx, "signal", "+15551234567"); err != nil {
		t.Fatal(err)
	}
}

func TestAllowlistPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"whatsapp": {DMPolicy: config.DMPolicyAllowlist, AllowFrom: []string{"+1 555 123 4567"}},
	}
	p, _, _ := testPipeline(t, cfg)
	ctx := context.Background()

	out, err := p.Handle(ctx, "whatsapp", "a", inbound("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDispatched {
		t.Fatalf("allowlisted sender status = %q", out.Status)
	}

	msg := inbound("hi")
	msg.Peer.ID = "+1999888777"
	msg.Sender = nil
	out, err = p.Handle(ctx, "whatsapp", "a", msg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDropped {
		t.Fatalf("unlisted sender status = %q", out.Status)
	}
}

func TestAgentBindingFirstMatchWins(t *testing.T) {
	cfg := openConfig()
	cfg.Agents.List = map[string]config.AgentSpec{"work": {}, "home": {}}
	cfg.Agents.DefaultAgentID = "home"
	cfg.Agents.Bindings = []config.AgentBinding{
		{AgentID: "work", Match: config.BindingMatch{Channel: "whatsapp", AccountID: "biz"}},
		{AgentID: "home", Match: config.BindingMatch{Channel: "whatsapp"}},
	}
	p, _, _ := testPipeline(t, cfg)

	if got := p.bindAgent(cfg, "whatsapp", "biz", protocol.ChannelPeer{Kind: "dm", ID: "x"}); got != "work" {
		t.Fatalf("bound %q, want work", got)
	}
	if got := p.bindAgent(cfg, "whatsapp", "personal", protocol.ChannelPeer{Kind: "dm", ID: "x"}); got != "home" {
		t.Fatalf("bound %q, want home", got)
	}
	if got := p.bindAgent(cfg, "telegram", "a", protocol.ChannelPeer{Kind: "dm", ID: "x"}); got != "home" {
		t.Fatalf("unmatched channel bound %q, want default", got)
	}
}

func TestStatusCommand(t *testing.T) {
	p, sender, _ := testPipeline(t, openConfig())

	out, err := p.Handle(context.Background(), "whatsapp", "a", inbound("/status"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusHandled {
		t.Fatalf("status = %q, want handled", out.Status)
	}
	if got := sender.lastText(t); !strings.Contains(got, "Session:") {
		t.Fatalf("status reply = %q", got)
	}
}

func TestStopWithoutRun(t *testing.T) {
	p, sender, _ := testPipeline(t, openConfig())

	if _, err := p.Handle(context.Background(), "whatsapp", "a", inbound("/stop")); err != nil {
		t.Fatal(err)
	}
	if got := sender.lastText(t); got != "No run in progress." {
		t.Fatalf("stop reply = %q", got)
	}
}

func TestCompactInvalidCount(t *testing.T) {
	p, sender, _ := testPipeline(t, openConfig())

	if _, err := p.Handle(context.Background(), "whatsapp", "a", inbound("/compact 0")); err != nil {
		t.Fatal(err)
	}
	if got := sender.lastText(t); got != "Invalid count" {
		t.Fatalf("compact reply = %q", got)
	}
}

func TestResetCommandRotatesSession(t *testing.T) {
	p, sender, _ := testPipeline(t, openConfig())
	ctx := context.Background()

	sess := p.deps.Agents.Get("agent:main:main")
	before, err := sess.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Handle(ctx, "whatsapp", "a", inbound("/new")); err != nil {
		t.Fatal(err)
	}
	if got := sender.lastText(t); !strings.Contains(got, "new session") {
		t.Fatalf("reset reply = %q", got)
	}
	after, err := sess.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.SessionID == before.SessionID {
		t.Fatal("session id did not rotate")
	}
}

func TestModelCommandSwitchesModel(t *testing.T) {
	p, sender, _ := testPipeline(t, openConfig())
	ctx := context.Background()

	if _, err := p.Handle(ctx, "whatsapp", "a", inbound("/model opus")); err != nil {
		t.Fatal(err)
	}
	if got := sender.lastText(t); !strings.Contains(got, "anthropic/claude-opus-4-5") {
		t.Fatalf("model reply = %q", got)
	}
	st, err := p.deps.Agents.Get("agent:main:main").Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Settings.Model != "claude-opus-4-5" {
		t.Fatalf("settings.model = %q", st.Settings.Model)
	}

	if _, err := p.Handle(ctx, "whatsapp", "a", inbound("/model bogus-name")); err != nil {
		t.Fatal(err)
	}
	if got := sender.lastText(t); !strings.Contains(got, "Unknown model") {
		t.Fatalf("bad model reply = %q", got)
	}
}

func TestDirectiveOnlyAck(t *testing.T) {
	p, sender, _ := testPipeline(t, openConfig())
	ctx := context.Background()

	out, err := p.Handle(ctx, "whatsapp", "a", inbound("/think:high"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusHandled {
		t.Fatalf("status = %q, want handled", out.Status)
	}
	if got := sender.lastText(t); !strings.Contains(got, "thinking=high") {
		t.Fatalf("ack = %q", got)
	}
	st, err := p.deps.Agents.Get("agent:main:main").Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Settings.Thinking != "high" {
		t.Fatalf("settings.thinking = %q", st.Settings.Thinking)
	}
}

func TestEnvelopeFormat(t *testing.T) {
	cfg := openConfig()
	cfg.UserTimezone = "UTC"
	p, _, _ := testPipeline(t, cfg)
	p.deps.Now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	}

	msg := inbound("what's up")
	body := p.envelope(cfg, "whatsapp", msg, "Ada", "what's up", nil)
	want := "[whatsapp · 2026-03-14 09:30 · peer=dm · sender=Ada]\nwhat's up"
	if body != want {
		t.Fatalf("envelope = %q, want %q", body, want)
	}
}

func TestEnvelopeIncludesTranscript(t *testing.T) {
	cfg := openConfig()
	p, _, _ := testPipeline(t, cfg)

	media := []protocol.ChannelMedia{{Type: protocol.MediaAudio, Transcription: "call me back"}}
	body := p.envelope(cfg, "whatsapp", inbound(""), "Ada", "", media)
	if !strings.Contains(body, "[audio transcript] call me back") {
		t.Fatalf("envelope = %q", body)
	}
}

func TestMaxMessageCharsTruncates(t *testing.T) {
	cfg := openConfig()
	cfg.Gateway.MaxMessageChars = 120
	p, _, _ := testPipeline(t, cfg)

	out, err := p.Handle(context.Background(), "whatsapp", "a", inbound(strings.Repeat("x", 500)))
	if err != nil {
		t.Fatal(err)
	}
	st, err := p.deps.Agents.Get(out.SessionKey).Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	user := st.Messages[0]
	if len(user.TextContent()) > 120 {
		t.Fatalf("message length %d exceeds cap", len(user.TextContent()))
	}
}

func TestParseCommandTable(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args string
		ok   bool
	}{
		{"/new", "reset", "", true},
		{"/reset", "reset", "", true},
		{"/compact 5", "compact", "5", true},
		{"/STOP", "stop", "", true},
		{"/?", "help", "", true},
		{"/think high", "think", "high", true},
		{"/unknown thing", "", "", false},
		{"not a command", "", "", false},
		{"/think:high", "", "", false}, // directive, not command
	}
	for _, tt := range tests {
		cmd, ok := ParseCommand(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseCommand(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && (cmd.Name != tt.name || cmd.Args != tt.args) {
			t.Errorf("ParseCommand(%q) = %+v, want %s %q", tt.in, cmd, tt.name, tt.args)
		}
	}
}

func TestParseDirectivesTable(t *testing.T) {
	tests := []struct {
		in       string
		cleaned  string
		thinking string
		model    string
		status   bool
	}{
		{"hello /think:high world", "hello  world", "high", "", false},
		{"/t:low ping", "ping", "low", "", false},
		{"/model:opus what do you think", "what do you think", "", "opus", false},
		{"/m:sonnet /think:xhigh go", "go", "xhigh", "sonnet", false},
		{"/status", "", "", "", true},
		{"/think:bogus stays", "/think:bogus stays", "", "", false},
		{"plain text", "plain text", "", "", false},
	}
	for _, tt := range tests {
		cleaned, d := ParseDirectives(tt.in)
		cleaned = strings.Join(strings.Fields(cleaned), " ")
		wantClean := strings.Join(strings.Fields(tt.cleaned), " ")
		if cleaned != wantClean || d.Thinking != tt.thinking || d.Model != tt.model || d.WantStatus != tt.status {
			t.Errorf("ParseDirectives(%q) = %q %+v", tt.in, cleaned, d)
		}
	}
}

func TestMediaStoredAndStripped(t *testing.T) {
	p, _, _ := testPipeline(t, openConfig())
	ctx := context.Background()

	doc := protocol.ChannelMedia{
		Type:     protocol.MediaDocument,
		MimeType: "application/pdf",
		Filename: "notes.pdf",
		Data:     "JVBERi0xLjQ=", // base64 "%PDF-1.4"
	}
	out := p.processMedia(ctx, "agent:main:main", []protocol.ChannelMedia{doc})
	if len(out) != 1 {
		t.Fatalf("got %d media", len(out))
	}
	m := out[0]
	if m.Data != "" {
		t.Fatal("document payload not stripped")
	}
	if !strings.HasPrefix(m.StoreKey, "media/agent:main:main/") || !strings.HasSuffix(m.StoreKey, ".pdf") {
		t.Fatalf("storeKey = %q", m.StoreKey)
	}
	info, err := p.deps.Blobs.Head(ctx, m.StoreKey)
	if err != nil {
		t.Fatal(err)
	}
	if info.ContentType != "application/pdf" {
		t.Fatalf("contentType = %q", info.ContentType)
	}
	if info.Custom["expiresAt"] == "" {
		t.Fatal("expiresAt metadata missing")
	}
}

func TestMediaRejectsBadBase64(t *testing.T) {
	p, _, _ := testPipeline(t, openConfig())

	out := p.processMedia(context.Background(), "k", []protocol.ChannelMedia{
		{Type: protocol.MediaDocument, MimeType: "text/plain", Data: "not base64!!"},
	})
	if len(out) != 0 {
		t.Fatalf("bad media survived: %+v", out)
	}
}
