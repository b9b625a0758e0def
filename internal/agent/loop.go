package agent

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/providers"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// runLoop drives one agent run to completion: call the model, fan out any
// tool calls and wait, otherwise emit the final message and pick up the
// next queued send. It exits either on final/error or after dispatching
// tools (ToolResult relaunches it).
func (s *Session) runLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		runID := s.runID
		cfg := s.deps.Config()

		providerName := cfg.Model.Provider
		model := cfg.Model.ID
		if s.st.Settings.Provider != "" {
			providerName = s.st.Settings.Provider
		}
		if s.st.Settings.Model != "" {
			model = s.st.Settings.Model
		}
		thinking := s.st.Settings.Thinking
		if s.runOver != nil {
			if s.runOver.Provider != "" {
				providerName = s.runOver.Provider
			}
			if s.runOver.Model != "" {
				model = s.runOver.Model
			}
			if s.runOver.Thinking != "" {
				thinking = s.runOver.Thinking
			}
		}

		system := s.st.Settings.SystemPrompt
		req := providers.ChatRequest{
			System:    system,
			Messages:  append([]protocol.Message{}, s.st.Messages...),
			Tools:     append([]protocol.ToolDefinition{}, s.runTools...),
			Model:     model,
			MaxTokens: s.st.Settings.MaxTokens,
			Thinking:  thinking,
		}
		llmTimeout := time.Duration(cfg.Timeouts.LLMMs) * time.Millisecond
		toolTimeout := time.Duration(cfg.Timeouts.ToolMs) * time.Millisecond
		s.mu.Unlock()

		if system == "" && s.deps.SystemPrompt != nil {
			req.System = s.deps.SystemPrompt(ctx, s.AgentID)
		}

		provider, err := s.deps.Provider(providerName, model)
		if err != nil {
			s.failRun(ctx, runID, err)
			return
		}

		llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
		resp, err := provider.Chat(llmCtx, req)
		cancel()
		if ctx.Err() != nil {
			// Aborted; the abort path already emitted the error event.
			return
		}
		if err != nil {
			s.failRun(ctx, runID, err)
			return
		}

		s.mu.Lock()
		if !s.running || s.runID != runID {
			s.mu.Unlock()
			return
		}
		s.st.InputTokens += resp.Usage.InputTokens
		s.st.OutputTokens += resp.Usage.OutputTokens
		s.st.Messages = append(s.st.Messages, resp.Message)
		if err := s.save(ctx); err != nil {
			s.deps.Logger.Error("session.save_failed", "sessionKey", s.Key, "error", err)
		}

		calls := resp.Message.ToolCalls()
		if len(calls) > 0 {
			for _, c := range calls {
				s.pending[c.ID] = &pendingTool{CallID: c.ID, Name: c.Name}
			}
			s.toolTimer = time.AfterFunc(toolTimeout, s.timeoutPending)
			msg := resp.Message
			s.mu.Unlock()

			if msg.TextContent() != "" {
				s.deps.Emitter.EmitChat(protocol.ChatEvent{
					RunID:      runID,
					SessionKey: s.Key,
					State:      protocol.ChatStatePartial,
					Message:    &msg,
				})
			}
			s.dispatchCalls(ctx, calls)
			return
		}

		msg := resp.Message
		moreQueued := len(s.queue) > 0
		if moreQueued {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.runID = next.RunID
			s.runTools = next.Tools
			s.runOver = next.Overrides
			s.seenRuns[next.RunID] = SendStarted
		} else {
			s.running = false
			s.runID = ""
			s.cancelRun = nil
		}
		s.mu.Unlock()

		s.deps.Emitter.EmitChat(protocol.ChatEvent{
			RunID:      runID,
			SessionKey: s.Key,
			State:      protocol.ChatStateFinal,
			Message:    &msg,
		})
		s.deps.Logger.Info("session.run_final", "sessionKey", s.Key, "runId", runID)

		if !moreQueued {
			return
		}
	}
}

// dispatchCalls fans tool calls out in parallel. Dispatch failures resolve
// the call immediately as an error result.
func (s *Session) dispatchCalls(ctx context.Context, calls []protocol.ContentBlock) {
	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c protocol.ContentBlock) {
			defer wg.Done()
			if err := s.deps.Router.DispatchSessionTool(ctx, s.Key, c.ID, c.Name, c.Input); err != nil {
				s.ToolResult(ctx, c.ID, err.Error(), true)
			}
		}(c)
	}
	wg.Wait()
}

// failRun surfaces an upstream failure as an error chat event. The
// session stays usable and the next queued send starts.
func (s *Session) failRun(ctx context.Context, runID string, err error) {
	s.deps.Logger.Error("session.run_error", "sessionKey", s.Key, "runId", runID, "error", err)

	s.mu.Lock()
	s.pending = map[string]*pendingTool{}
	if s.toolTimer != nil {
		s.toolTimer.Stop()
		s.toolTimer = nil
	}
	var next *SendRequest
	if len(s.queue) > 0 {
		n := s.queue[0]
		s.queue = s.queue[1:]
		next = &n
	}
	if next != nil {
		s.runID = next.RunID
		s.runTools = next.Tools
		s.runOver = next.Overrides
		s.seenRuns[next.RunID] = SendStarted
	} else {
		s.running = false
		s.runID = ""
		s.cancelRun = nil
	}
	s.mu.Unlock()

	s.deps.Emitter.EmitChat(protocol.ChatEvent{
		RunID:      runID,
		SessionKey: s.Key,
		State:      protocol.ChatStateError,
		Error:      protocol.CoerceError(err),
	})

	if next != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancelRun = cancel
		s.mu.Unlock()
		go s.runLoop(runCtx)
	}
}
