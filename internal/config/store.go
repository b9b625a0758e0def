package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// MaskedValue replaces secrets in safe config views.
const MaskedValue = "***"

// Store is the layered config store behind config.get/config.set. It keeps
// the baked-in defaults and the persisted override tree as plain JSON maps
// so dotted-path access and deep merge stay structural. Every read returns
// a fresh plain value.
type Store struct {
	mu        sync.RWMutex
	path      string
	defaults  map[string]interface{}
	overrides map[string]interface{}
	logger    *slog.Logger
	onChange  []func(*Config)
}

// NewStore loads the override file at path (missing file is fine) and
// builds the layered store.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults, err := toTree(Default())
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:      path,
		defaults:  defaults,
		overrides: map[string]interface{}{},
		logger:    logger,
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	overrides := map[string]interface{}{}
	if err := json5.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	s.mu.Lock()
	s.overrides = overrides
	s.mu.Unlock()
	return nil
}

// Effective decodes the merged tree into a typed Config and applies the
// env overlay.
func (s *Store) Effective() (*Config, error) {
	s.mu.RLock()
	merged := mergeTrees(s.defaults, s.overrides)
	s.mu.RUnlock()

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Get returns a plain JSON value at the dotted path, or the whole merged
// tree for an empty path. The second return reports presence.
func (s *Store) Get(path string) (interface{}, bool) {
	s.mu.RLock()
	merged := mergeTrees(s.defaults, s.overrides)
	s.mu.RUnlock()
	if path == "" {
		return merged, true
	}
	return walkPath(merged, splitPath(path))
}

// GetSafe is Get with secrets masked: every apiKeys.* value and
// auth.token become "***".
func (s *Store) GetSafe(path string) (interface{}, bool) {
	v, ok := s.Get(path)
	if !ok {
		return nil, false
	}
	return maskValue(splitPath(path), v), true
}

// Set writes value at the dotted path in the override tree and persists
// the whole override file. Intermediate objects are created; a nil value
// deletes the leaf. Only top-level keys ever reach disk.
func (s *Store) Set(path string, value interface{}) error {
	parts := splitPath(path)
	if len(parts) == 0 || parts[0] == "" {
		return fmt.Errorf("invalid config path %q", path)
	}

	s.mu.Lock()
	if value == nil {
		deletePath(s.overrides, parts)
	} else if err := setPath(s.overrides, parts, value); err != nil {
		s.mu.Unlock()
		return err
	}
	err := s.save()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	s.logger.Info("config.updated", "path", path)
	return nil
}

// save writes the override tree atomically. Caller holds the lock.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(s.overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// OnChange registers a callback fired with the new effective config after
// every Set or file reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	cfg, err := s.Effective()
	if err != nil {
		s.logger.Error("config.notify_failed", "error", err)
		return
	}
	s.mu.RLock()
	fns := append([]func(*Config){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(cfg)
	}
}

// Watch reloads the override file on disk changes until stop is closed.
func (s *Store) Watch(stop <-chan struct{}) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config watcher: %w", err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.Warn("config.reload_failed", "error", err)
					continue
				}
				s.logger.Info("config.reloaded", "path", s.path)
				s.notify()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config.watch_error", "error", err)
			}
		}
	}()
	return nil
}

func toTree(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	tree := map[string]interface{}{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return tree, nil
}

// mergeTrees deep-merges src over dst: objects recurse, primitives and
// arrays replace. Neither input is mutated.
func mergeTrees(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = cloneValue(v)
	}
	for k, v := range src {
		if dm, ok := out[k].(map[string]interface{}); ok {
			if sm, ok := v.(map[string]interface{}); ok {
				out[k] = mergeTrees(dm, sm)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func walkPath(tree interface{}, parts []string) (interface{}, bool) {
	cur := tree
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(tree map[string]interface{}, parts []string, value interface{}) error {
	cur := tree
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return nil
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			if _, exists := cur[p]; exists && cur[p] != nil {
				return fmt.Errorf("config path %q crosses non-object", strings.Join(parts[:i+1], "."))
			}
			next = map[string]interface{}{}
			cur[p] = next
		}
		cur = next
	}
	return nil
}

func deletePath(tree map[string]interface{}, parts []string) {
	cur := tree
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}

// maskValue masks secrets in a tree rooted at the given path prefix.
func maskValue(prefix []string, v interface{}) interface{} {
	v = cloneValue(v)
	if m, ok := v.(map[string]interface{}); ok {
		maskTree(prefix, m)
		return m
	}
	if isSecretPath(prefix) {
		if s, ok := v.(string); ok && s != "" {
			return MaskedValue
		}
	}
	return v
}

func maskTree(prefix []string, m map[string]interface{}) {
	for k, v := range m {
		path := append(append([]string{}, prefix...), k)
		switch val := v.(type) {
		case map[string]interface{}:
			maskTree(path, val)
		case string:
			if val != "" && isSecretPath(path) {
				m[k] = MaskedValue
			}
		}
	}
}

func isSecretPath(parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	if parts[0] == "apiKeys" && len(parts) == 2 {
		return true
	}
	return len(parts) == 2 && parts[0] == "auth" && parts[1] == "token"
}
