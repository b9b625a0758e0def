package agent

import (
	"sync"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// Manager owns the live session actors, keyed by session key. Actors are
// created lazily on first use and never share state.
type Manager struct {
	mu   sync.Mutex
	deps Deps
	live map[string]*Session
}

// NewManager builds the manager.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, live: map[string]*Session{}}
}

// Get returns the actor for a key, creating it if needed. The agent id is
// derived from the key.
func (m *Manager) Get(sessionKey string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[sessionKey]; ok {
		return s
	}
	agentID := sessions.AgentOf(sessionKey)
	if agentID == "" {
		agentID = m.deps.Config().DefaultAgent()
	}
	s := NewSession(sessionKey, agentID, m.deps)
	m.live[sessionKey] = s
	return s
}

// Peek returns the actor only if it is already live.
func (m *Manager) Peek(sessionKey string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[sessionKey]
	return s, ok
}

// Live lists the keys of all instantiated actors.
func (m *Manager) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.live))
	for k := range m.live {
		out = append(out, k)
	}
	return out
}
