package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/providers"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	delay     time.Duration
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return nil, providers.ErrEmptyResponse
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func textResponse(text string) *providers.ChatResponse {
	return &providers.ChatResponse{
		Message: protocol.Message{
			Role:    protocol.RoleAssistant,
			Content: []protocol.ContentBlock{protocol.TextBlock(text)},
		},
		StopReason: "stop",
		Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResponse(ids ...string) *providers.ChatResponse {
	msg := protocol.Message{Role: protocol.RoleAssistant}
	for _, id := range ids {
		msg.Content = append(msg.Content, protocol.ContentBlock{
			Type: protocol.BlockToolUse, ID: id, Name: "execNode__run", Input: json.RawMessage(`{}`),
		})
	}
	return &providers.ChatResponse{Message: msg, StopReason: "tool_use", Usage: providers.Usage{InputTokens: 3, OutputTokens: 2}}
}

type recordingRouter struct {
	mu         sync.Mutex
	dispatched []string
}

func (r *recordingRouter) DispatchSessionTool(ctx context.Context, sessionKey, callID, name string, args json.RawMessage) error {
	r.mu.Lock()
	r.dispatched = append(r.dispatched, callID)
	r.mu.Unlock()
	return nil
}

func (r *recordingRouter) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.dispatched...)
}

type chanEmitter struct{ ch chan protocol.ChatEvent }

func (e *chanEmitter) EmitChat(ev protocol.ChatEvent) { e.ch <- ev }

func (e *chanEmitter) wait(t *testing.T, state string) protocol.ChatEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if ev.State == state {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", state)
		}
	}
}

type harness struct {
	session  *Session
	provider *scriptedProvider
	router   *recordingRouter
	emitter  *chanEmitter
	cfg      *config.Config
	blobs    blob.Store
	states   *state.Map[State]
}

func newHarness(t *testing.T, responses ...*providers.ChatResponse) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Timeouts.ToolMs = 200
	cfg.Timeouts.LLMMs = 5000
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		provider: &scriptedProvider{responses: responses},
		router:   &recordingRouter{},
		emitter:  &chanEmitter{ch: make(chan protocol.ChatEvent, 64)},
		cfg:      cfg,
		blobs:    blobs,
		states:   state.NewMap[State](state.NewMemory(), "sessions/"),
	}
	deps := Deps{
		States:   h.states,
		Blobs:    blobs,
		Config:   func() *config.Config { return h.cfg },
		Provider: func(name, model string) (providers.Provider, error) { return h.provider, nil },
		Router:   h.router,
		Emitter:  h.emitter,
	}
	h.session = NewSession("agent:main:main", "main", deps)
	return h
}

func TestChatSendFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, textResponse("hello there"))

	res, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "hi"})
	if err != nil {
		t.Fatalf("ChatSend: %v", err)
	}
	if res.Status != SendStarted {
		t.Fatalf("status = %s", res.Status)
	}

	ev := h.emitter.wait(t, protocol.ChatStateFinal)
	if ev.RunID != "r1" || ev.Message.TextContent() != "hello there" {
		t.Fatalf("event = %+v", ev)
	}

	st, err := h.session.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %d", len(st.Messages))
	}
	if st.InputTokens != 10 || st.OutputTokens != 5 {
		t.Fatalf("tokens = %d/%d", st.InputTokens, st.OutputTokens)
	}
}

func TestToolFanOutAndResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolResponse("c1", "c2"), textResponse("done"))

	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "run things"}); err != nil {
		t.Fatal(err)
	}

	// Wait for both dispatches.
	waitFor(t, func() bool { return len(h.router.calls()) == 2 })

	h.session.ToolResult(ctx, "c1", "out-1", false)
	h.session.ToolResult(ctx, "c2", "out-2", false)

	ev := h.emitter.wait(t, protocol.ChatStateFinal)
	if ev.Message.TextContent() != "done" {
		t.Fatalf("final = %q", ev.Message.TextContent())
	}

	hist, _ := h.session.History(ctx)
	// user, assistant(tool_use), tool results, assistant(final)
	if len(hist) != 4 {
		t.Fatalf("history = %d", len(hist))
	}
	if hist[2].Role != protocol.RoleTool || len(hist[2].Content) != 2 {
		t.Fatalf("tool msg = %+v", hist[2])
	}
}

func TestUnknownCallIDIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolResponse("c1"), textResponse("done"))
	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(h.router.calls()) == 1 })

	// Unknown id must not resume or crash the loop.
	h.session.ToolResult(ctx, "not-a-call", "x", false)
	h.session.ToolResult(ctx, "c1", "ok", false)
	h.emitter.wait(t, protocol.ChatStateFinal)
}

func TestToolTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, toolResponse("c1"), textResponse("recovered"))
	h.cfg.Timeouts.ToolMs = 30

	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "x"}); err != nil {
		t.Fatal(err)
	}

	ev := h.emitter.wait(t, protocol.ChatStateFinal)
	if ev.Message.TextContent() != "recovered" {
		t.Fatalf("final = %q", ev.Message.TextContent())
	}
	hist, _ := h.session.History(ctx)
	toolMsg := hist[2]
	if !toolMsg.Content[0].IsError || !strings.Contains(toolMsg.Content[0].Text, "timed out") {
		t.Fatalf("timeout result = %+v", toolMsg.Content[0])
	}
}

func TestQueuedSends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, textResponse("one"), textResponse("two"))
	h.provider.delay = 50 * time.Millisecond

	r1, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "first"})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := h.session.ChatSend(ctx, SendRequest{RunID: "r2", Text: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Status != SendStarted || r2.Status != SendQueued {
		t.Fatalf("statuses = %s, %s", r1.Status, r2.Status)
	}

	ev1 := h.emitter.wait(t, protocol.ChatStateFinal)
	ev2 := h.emitter.wait(t, protocol.ChatStateFinal)
	if ev1.RunID != "r1" || ev2.RunID != "r2" {
		t.Fatalf("order: %s then %s", ev1.RunID, ev2.RunID)
	}
}

func TestChatSendIdempotentOnRunID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, textResponse("once"))
	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "dup", Text: "a"}); err != nil {
		t.Fatal(err)
	}
	h.emitter.wait(t, protocol.ChatStateFinal)

	res, err := h.session.ChatSend(ctx, SendRequest{RunID: "dup", Text: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != SendStarted {
		t.Fatalf("replay status = %s", res.Status)
	}
	hist, _ := h.session.History(ctx)
	if len(hist) != 2 {
		t.Fatalf("replay appended: %d messages", len(hist))
	}
}

func TestIdleZeroResetsEveryCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, textResponse("one"), textResponse("two"))

	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "first"}); err != nil {
		t.Fatal(err)
	}
	h.emitter.wait(t, protocol.ChatStateFinal)

	before, _ := h.session.Get(ctx)
	if err := h.session.ApplyPatch(ctx, Patch{ResetPolicy: &config.ResetPolicy{Mode: config.ResetIdle, IdleMinutes: 0}}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r2", Text: "trigger"}); err != nil {
		t.Fatal(err)
	}
	h.emitter.wait(t, protocol.ChatStateFinal)

	after, _ := h.session.Get(ctx)
	if after.SessionID == before.SessionID {
		t.Fatal("sessionId not rotated")
	}
	if len(after.PreviousSessionIDs) != 1 || after.PreviousSessionIDs[0] != before.SessionID {
		t.Fatalf("previousSessionIds = %v", after.PreviousSessionIDs)
	}
	if len(after.Messages) < 1 {
		t.Fatal("triggering message lost in reset")
	}

	// The archive holds the pre-reset transcript.
	msgs, err := ReadArchive(ctx, h.blobs, ArchiveKey("main", before.SessionID, 0))
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(msgs) != len(before.Messages) {
		t.Fatalf("archived %d messages, want %d", len(msgs), len(before.Messages))
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, textResponse("never"))
	h.provider.delay = 5 * time.Second

	// No run yet.
	if res := h.session.Abort(ctx); res.WasRunning {
		t.Fatal("abort with no run reported running")
	}

	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	res := h.session.Abort(ctx)
	if !res.WasRunning || res.RunID != "r1" {
		t.Fatalf("abort = %+v", res)
	}
	ev := h.emitter.wait(t, protocol.ChatStateError)
	if ev.RunID != "r1" {
		t.Fatalf("error event = %+v", ev)
	}
	if h.session.Running() {
		t.Fatal("still running after abort")
	}
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var msgs []protocol.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, protocol.Message{
			Role:    protocol.RoleUser,
			Content: []protocol.ContentBlock{protocol.TextBlock("m")},
		})
	}
	if err := h.states.Put(ctx, "agent:main:main", State{SessionID: "sid-1", Messages: msgs}); err != nil {
		t.Fatal(err)
	}

	if err := h.session.Compact(ctx, 0); err == nil || !strings.Contains(err.Error(), "Invalid count") {
		t.Fatalf("compact 0: %v", err)
	}

	if err := h.session.Compact(ctx, 20); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	st, _ := h.session.Get(ctx)
	if len(st.Messages) != 20 {
		t.Fatalf("kept = %d", len(st.Messages))
	}
	archived, err := ReadArchive(ctx, h.blobs, ArchiveKey("main", "sid-1", 1))
	if err != nil {
		t.Fatalf("part archive: %v", err)
	}
	if len(archived) != 10 {
		t.Fatalf("archived = %d", len(archived))
	}
}

func TestRunErrorKeepsSessionUsable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t) // no responses: provider errors immediately

	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r1", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	ev := h.emitter.wait(t, protocol.ChatStateError)
	if ev.Error == nil || ev.Error.Code != protocol.CodeInternal {
		t.Fatalf("error event = %+v", ev)
	}

	// Session accepts the next send.
	h.provider.mu.Lock()
	h.provider.responses = append(h.provider.responses, textResponse("ok now"), textResponse("ok now"))
	h.provider.mu.Unlock()
	if _, err := h.session.ChatSend(ctx, SendRequest{RunID: "r2", Text: "y"}); err != nil {
		t.Fatal(err)
	}
	h.emitter.wait(t, protocol.ChatStateFinal)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
