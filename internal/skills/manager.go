package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// Manager enumerates skills from the blob workspace and applies config
// overlays. It does not probe hosts itself; it reports which bins need
// probing and evaluates eligibility against whatever bin status the node
// registry has.
type Manager struct {
	mu     sync.RWMutex
	store  blob.Store
	logger *slog.Logger
	cache  map[string][]Skill // agentID → skills
}

// NewManager builds the manager.
func NewManager(store blob.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, cache: map[string][]Skill{}}
}

// Refresh re-reads the skill trees for an agent: the agent workspace
// (agents/{id}/skills/) plus the global tree (skills/). Agent-scoped
// skills shadow global skills of the same name.
func (m *Manager) Refresh(ctx context.Context, agentID string, cfg *config.Config) ([]Skill, error) {
	byName := map[string]Skill{}

	load := func(prefix, source string) error {
		infos, err := m.store.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("skills: list %s: %w", prefix, err)
		}
		for _, info := range infos {
			if !strings.HasSuffix(info.Key, "/SKILL.md") {
				continue
			}
			data, _, err := blob.ReadAll(ctx, m.store, info.Key)
			if err != nil {
				m.logger.Warn("skills.read_failed", "key", info.Key, "error", err)
				continue
			}
			sk := Parse(info.Key, string(data))
			sk.Source = source
			if source == SourceGlobal {
				if _, shadowed := byName[sk.Name]; shadowed {
					continue
				}
			}
			byName[sk.Name] = sk
		}
		return nil
	}

	// Agent tree first so it wins name collisions.
	if err := load("agents/"+agentID+"/skills/", SourceAgent); err != nil {
		return nil, err
	}
	globalPrefix := "skills/"
	if cfg.Skills.GlobalDir != "" {
		globalPrefix = strings.TrimSuffix(cfg.Skills.GlobalDir, "/") + "/"
	}
	if err := load(globalPrefix, SourceGlobal); err != nil {
		return nil, err
	}

	out := make([]Skill, 0, len(byName))
	for _, sk := range byName {
		applyConfig(&sk, cfg)
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	m.mu.Lock()
	m.cache[agentID] = out
	m.mu.Unlock()
	m.logger.Info("skills.refreshed", "agent", agentID, "count", len(out))
	return out, nil
}

func applyConfig(sk *Skill, cfg *config.Config) {
	entry, ok := cfg.Skills.Entries[sk.Name]
	if !ok {
		return
	}
	if entry.Enabled != nil {
		sk.Enabled = *entry.Enabled
	}
	if entry.Always {
		sk.Always = true
	}
	if entry.Requires != nil && len(entry.Requires.Bins) > 0 {
		sk.RequiredBins = append([]string{}, entry.Requires.Bins...)
	}
}

// Cached returns the last refreshed skill list for an agent.
func (m *Manager) Cached(agentID string) []Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Skill{}, m.cache[agentID]...)
}

// RequiredBins returns the deduplicated, sorted set of binaries any
// enabled skill of the agent needs. This is what bin probes ask nodes for.
func (m *Manager) RequiredBins(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := map[string]struct{}{}
	for _, sk := range m.cache[agentID] {
		if !sk.Enabled {
			continue
		}
		for _, b := range sk.RequiredBins {
			set[b] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Eligible filters the cached skills by bin availability: a skill runs
// when enabled and either always, bin-free, or all its bins are present
// in binStatus (the union across execution nodes).
func (m *Manager) Eligible(agentID string, binStatus map[string]bool) []Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Skill
	for _, sk := range m.cache[agentID] {
		if !sk.Enabled {
			continue
		}
		if sk.Always || len(sk.RequiredBins) == 0 || binsPresent(sk.RequiredBins, binStatus) {
			out = append(out, sk)
		}
	}
	return out
}

func binsPresent(bins []string, status map[string]bool) bool {
	for _, b := range bins {
		if !status[b] {
			return false
		}
	}
	return true
}
