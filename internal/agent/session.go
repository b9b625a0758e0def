package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/providers"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// DefaultCompactKeep is how many recent messages compaction retains.
const DefaultCompactKeep = 20

// Deps are the collaborators a session actor needs.
type Deps struct {
	States   *state.Map[State]
	Blobs    blob.Store
	Config   func() *config.Config
	Provider func(name, model string) (providers.Provider, error)
	Router   Router
	Emitter  Emitter
	// SystemPrompt assembles the agent's prompt (workspace files, skills).
	SystemPrompt func(ctx context.Context, agentID string) string
	Logger       *slog.Logger
	Now          func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Session is one conversation actor. All mutation goes through its mutex;
// at most one run is active at a time and further sends queue in FIFO
// order.
type Session struct {
	Key     string
	AgentID string

	deps Deps

	mu        sync.Mutex
	st        State
	loaded    bool
	running   bool
	runID     string
	queue     []SendRequest
	seenRuns  map[string]string
	pending   map[string]*pendingTool
	runTools  []protocol.ToolDefinition
	runOver   *Overrides
	cancelRun context.CancelFunc
	toolTimer *time.Timer
}

// NewSession builds the actor for a key. State loads lazily on first use.
func NewSession(key, agentID string, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{
		Key:      key,
		AgentID:  agentID,
		deps:     deps,
		seenRuns: map[string]string{},
		pending:  map[string]*pendingTool{},
	}
}

// load ensures state is in memory. Caller holds the lock.
func (s *Session) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	st, ok, err := s.deps.States.Get(ctx, s.Key)
	if err != nil {
		return err
	}
	if !ok {
		now := s.deps.now().UnixMilli()
		st = State{
			SessionID:   uuid.NewString(),
			ResetPolicy: s.deps.Config().Session.DefaultResetPolicy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	s.st = st
	s.loaded = true
	return nil
}

// save persists state. Caller holds the lock.
func (s *Session) save(ctx context.Context) error {
	s.st.UpdatedAt = s.deps.now().UnixMilli()
	return s.deps.States.Put(ctx, s.Key, s.st)
}

// ChatSend ingests one message. Idempotent on runId: a replay returns the
// original status without re-appending. At most one run is active; extra
// sends queue.
func (s *Session) ChatSend(ctx context.Context, req SendRequest) (*SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if status, seen := s.seenRuns[req.RunID]; seen {
		return &SendResult{Status: status, RunID: req.RunID}, nil
	}

	if err := s.maybeAutoReset(ctx); err != nil {
		return nil, err
	}

	s.appendUserMessage(req)
	if err := s.save(ctx); err != nil {
		return nil, err
	}

	if s.running {
		s.queue = append(s.queue, req)
		s.seenRuns[req.RunID] = SendQueued
		return &SendResult{Status: SendQueued, RunID: req.RunID}, nil
	}

	s.startRunLocked(req)
	s.seenRuns[req.RunID] = SendStarted
	return &SendResult{Status: SendStarted, RunID: req.RunID}, nil
}

// appendUserMessage adds the user turn, attaching image media as vision
// blocks. Caller holds the lock.
func (s *Session) appendUserMessage(req SendRequest) {
	msg := protocol.Message{
		Role:      protocol.RoleUser,
		Content:   []protocol.ContentBlock{protocol.TextBlock(req.Text)},
		Timestamp: s.deps.now().UnixMilli(),
	}
	for _, m := range req.Media {
		if m.Type == protocol.MediaImage && m.Data != "" {
			msg.Content = append(msg.Content, protocol.ContentBlock{
				Type: protocol.BlockImage, MimeType: m.MimeType, Data: m.Data,
			})
		}
	}
	s.st.Messages = append(s.st.Messages, msg)
}

// startRunLocked marks the run active and launches the loop goroutine.
// Caller holds the lock.
func (s *Session) startRunLocked(req SendRequest) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.runID = req.RunID
	s.runTools = req.Tools
	s.runOver = req.Overrides
	s.cancelRun = cancel
	go s.runLoop(runCtx)
}

// maybeAutoReset applies the reset policy before ingestion. Caller holds
// the lock.
func (s *Session) maybeAutoReset(ctx context.Context) error {
	if len(s.st.Messages) == 0 {
		return nil
	}
	now := s.deps.now()
	pol := s.st.ResetPolicy
	due := false
	switch pol.Mode {
	case config.ResetDaily:
		hour := pol.DailyHour
		if hour == 0 {
			hour = 4
		}
		cutoff := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
		if now.Before(cutoff) {
			cutoff = cutoff.AddDate(0, 0, -1)
		}
		due = s.st.UpdatedAt < cutoff.UnixMilli()
	case config.ResetIdle:
		if pol.IdleMinutes <= 0 {
			due = true
		} else {
			due = now.UnixMilli()-s.st.UpdatedAt > int64(pol.IdleMinutes)*60_000
		}
	}
	if !due {
		return nil
	}
	return s.resetLocked(ctx)
}

// resetLocked archives the transcript, rotates the session id, and clears
// history and counters. The previous id is recorded before the rotation
// so a crash in between leaves only a harmless extra history entry.
func (s *Session) resetLocked(ctx context.Context) error {
	if len(s.st.Messages) > 0 {
		if err := archiveTranscript(ctx, s.deps.Blobs, s.AgentID, s.Key, &s.st, s.st.Messages, 0); err != nil {
			s.deps.Logger.Error("session.archive_failed", "sessionKey", s.Key, "error", err)
		}
	}
	s.st.PreviousSessionIDs = append(s.st.PreviousSessionIDs, s.st.SessionID)
	s.st.SessionID = uuid.NewString()
	s.st.Messages = nil
	s.st.InputTokens = 0
	s.st.OutputTokens = 0
	s.st.LastResetAt = s.deps.now().UnixMilli()
	s.deps.Logger.Info("session.reset", "sessionKey", s.Key, "sessionId", s.st.SessionID)
	return s.save(ctx)
}

// Reset is the explicit reset operation.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	if s.running {
		s.abortLocked()
	}
	return s.resetLocked(ctx)
}

// Compact archives the oldest len-keep messages as a part file and keeps
// the rest.
func (s *Session) Compact(ctx context.Context, keep int) error {
	if keep <= 0 {
		return fmt.Errorf("Invalid count")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	if len(s.st.Messages) <= keep {
		return nil
	}
	cut := len(s.st.Messages) - keep
	partN := s.nextPartLocked(ctx)
	if err := archiveTranscript(ctx, s.deps.Blobs, s.AgentID, s.Key, &s.st, s.st.Messages[:cut], partN); err != nil {
		return err
	}
	s.st.Messages = append([]protocol.Message{}, s.st.Messages[cut:]...)
	s.deps.Logger.Info("session.compacted", "sessionKey", s.Key, "archived", cut, "kept", keep)
	return s.save(ctx)
}

// nextPartLocked finds the next free part number for the current session
// id by probing the blob store.
func (s *Session) nextPartLocked(ctx context.Context) int {
	for n := 1; ; n++ {
		if _, err := s.deps.Blobs.Head(ctx, ArchiveKey(s.AgentID, s.st.SessionID, n)); err != nil {
			return n
		}
	}
}

// Abort cancels the active run and its pending tools.
func (s *Session) Abort(ctx context.Context) *AbortResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return &AbortResult{WasRunning: false}
	}
	out := &AbortResult{WasRunning: true, RunID: s.runID, PendingToolsCancelled: s.abortLocked()}
	return out
}

// abortLocked tears the run down. Caller holds the lock. Returns how many
// pending tools were dropped.
func (s *Session) abortLocked() int {
	cancelled := 0
	for range s.pending {
		cancelled++
	}
	s.pending = map[string]*pendingTool{}
	if s.toolTimer != nil {
		s.toolTimer.Stop()
		s.toolTimer = nil
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	runID := s.runID
	s.running = false
	s.runID = ""
	s.queue = nil
	s.deps.Emitter.EmitChat(protocol.ChatEvent{
		RunID:      runID,
		SessionKey: s.Key,
		State:      protocol.ChatStateError,
		Error:      &protocol.ErrorShape{Code: protocol.CodeInternal, Message: "Run aborted"},
	})
	return cancelled
}

// ToolResult resolves one pending call. Unknown call ids are logged and
// ignored. When every pending call is resolved the loop resumes once.
func (s *Session) ToolResult(ctx context.Context, callID, result string, isError bool) {
	s.mu.Lock()
	p, ok := s.pending[callID]
	if !ok || p.Resolved {
		s.mu.Unlock()
		s.deps.Logger.Warn("session.unknown_call", "sessionKey", s.Key, "callId", callID)
		return
	}
	p.Resolved = true
	p.Result = result
	p.IsError = isError
	s.resumeIfResolvedLocked(ctx)
	s.mu.Unlock()
}

// resumeIfResolvedLocked appends the tool results message and relaunches
// the loop once all pendings are settled. Caller holds the lock.
func (s *Session) resumeIfResolvedLocked(ctx context.Context) {
	for _, p := range s.pending {
		if !p.Resolved {
			return
		}
	}
	if len(s.pending) == 0 {
		return
	}
	if s.toolTimer != nil {
		s.toolTimer.Stop()
		s.toolTimer = nil
	}
	msg := protocol.Message{Role: protocol.RoleTool, Timestamp: s.deps.now().UnixMilli()}
	for _, p := range s.pending {
		msg.Content = append(msg.Content, protocol.ContentBlock{
			Type:      protocol.BlockToolResult,
			ToolUseID: p.CallID,
			Text:      p.Result,
			IsError:   p.IsError,
		})
	}
	s.pending = map[string]*pendingTool{}
	s.st.Messages = append(s.st.Messages, msg)
	if err := s.save(ctx); err != nil {
		s.deps.Logger.Error("session.save_failed", "sessionKey", s.Key, "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go s.runLoop(runCtx)
}

// timeoutPending fails every unresolved call and resumes the loop once.
func (s *Session) timeoutPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	timedOut := 0
	for _, p := range s.pending {
		if !p.Resolved {
			p.Resolved = true
			p.IsError = true
			p.Result = "Tool call timed out"
			timedOut++
		}
	}
	if timedOut == 0 {
		return
	}
	s.deps.Logger.Warn("session.tool_timeout", "sessionKey", s.Key, "runId", s.runID, "count", timedOut)
	s.resumeIfResolvedLocked(context.Background())
}

// Get returns a plain snapshot of the session state.
func (s *Session) Get(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return State{}, err
	}
	out := s.st
	out.Messages = append([]protocol.Message{}, s.st.Messages...)
	out.PreviousSessionIDs = append([]string{}, s.st.PreviousSessionIDs...)
	return out, nil
}

// Stats returns the accounting view.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		SessionKey:   s.Key,
		SessionID:    s.st.SessionID,
		MessageCount: len(s.st.Messages),
		InputTokens:  s.st.InputTokens,
		OutputTokens: s.st.OutputTokens,
		TotalTokens:  s.st.InputTokens + s.st.OutputTokens,
		Resets:       len(s.st.PreviousSessionIDs),
		Running:      s.running,
		UpdatedAt:    s.st.UpdatedAt,
	}, nil
}

// Preview returns the last few messages as plain values.
func (s *Session) Preview(ctx context.Context, limit int) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	msgs := s.st.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]protocol.Message{}, msgs...), nil
}

// History returns the full message list.
func (s *Session) History(ctx context.Context) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return append([]protocol.Message{}, s.st.Messages...), nil
}

// ApplyPatch shallow-merges settings and updates label/resetPolicy. A
// changed reset policy takes effect on the next ChatSend.
func (s *Session) ApplyPatch(ctx context.Context, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	if p.Settings != nil {
		if p.Settings.Provider != "" {
			s.st.Settings.Provider = p.Settings.Provider
		}
		if p.Settings.Model != "" {
			s.st.Settings.Model = p.Settings.Model
		}
		if p.Settings.Thinking != "" {
			s.st.Settings.Thinking = p.Settings.Thinking
		}
		if p.Settings.SystemPrompt != "" {
			s.st.Settings.SystemPrompt = p.Settings.SystemPrompt
		}
		if p.Settings.MaxTokens != 0 {
			s.st.Settings.MaxTokens = p.Settings.MaxTokens
		}
	}
	if p.Label != nil {
		s.st.Label = *p.Label
	}
	if p.ResetPolicy != nil {
		s.st.ResetPolicy = *p.ResetPolicy
	}
	return s.save(ctx)
}

// Running reports whether a run is in flight.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
