// Package nodes tracks tool-executing hosts: their runtime descriptors,
// advertised tools, and host binary status. Registry entries survive
// socket loss so reconnects are transparent; only an explicit remove
// drops them.
package nodes

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

var (
	// ErrNoNodeProvides matches the wire error for unroutable tool names.
	ErrNoNodeProvides = errors.New("No node provides tool")
	// ErrInvalidRuntime rejects node connects without a usable descriptor.
	ErrInvalidRuntime = errors.New("Invalid nodeRuntime")
)

// Separator splits wire tool names into node id and tool name.
const Separator = "__"

// Node is one registered host.
type Node struct {
	ID          string                    `json:"id"`
	Runtime     protocol.NodeRuntime      `json:"runtime"`
	Tools       []protocol.ToolDefinition `json:"tools,omitempty"`
	Connected   bool                      `json:"connected"`
	ConnectedAt int64                     `json:"connectedAt,omitempty"`
}

// HasCapability reports whether the host advertises cap.
func (n *Node) HasCapability(cap string) bool {
	for _, c := range n.Runtime.HostCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Advertises reports whether the node currently advertises the tool.
func (n *Node) Advertises(tool string) bool {
	for _, t := range n.Tools {
		if t.Name == tool {
			return true
		}
	}
	return false
}

// Registry is the gateway's node table.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	now   func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: map[string]*Node{}, now: time.Now}
}

// Register adds or reconnects a node. The runtime descriptor is required
// and validated; tools replace any prior advertisement.
func (r *Registry) Register(id string, runtime *protocol.NodeRuntime, tools []protocol.ToolDefinition) error {
	if !runtime.Valid() {
		return ErrInvalidRuntime
	}
	for _, t := range tools {
		if strings.Contains(t.Name, Separator) {
			return errors.New("tool name must not contain " + Separator)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = &Node{
		ID:          id,
		Runtime:     *runtime,
		Tools:       tools,
		Connected:   true,
		ConnectedAt: r.now().UnixMilli(),
	}
	return nil
}

// Disconnect marks the node offline but keeps its registry entry, so a
// reconnect restores tools without re-probing everything.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	if n, ok := r.nodes[id]; ok {
		n.Connected = false
	}
	r.mu.Unlock()
}

// Remove drops the entry entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()
}

// Get returns a copy of the node.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Connected lists connected nodes sorted by id.
func (r *Registry) Connected() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Node
	for _, n := range r.nodes {
		if n.Connected {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All lists every entry, connected or not, sorted by id.
func (r *Registry) All() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SplitToolName parses "{nodeId}__{tool}". Both sides must be non-empty
// and the separator must be present, otherwise ErrNoNodeProvides.
func SplitToolName(wire string) (nodeID, tool string, err error) {
	i := strings.Index(wire, Separator)
	if i <= 0 || i+len(Separator) >= len(wire) {
		return "", "", ErrNoNodeProvides
	}
	return wire[:i], wire[i+len(Separator):], nil
}

// WireName builds the namespaced tool name clients see.
func WireName(nodeID, tool string) string {
	return nodeID + Separator + tool
}

// ResolveTool maps a wire name to its providing node, verifying the node
// is connected and still advertises the tool.
func (r *Registry) ResolveTool(wire string) (nodeID, tool string, err error) {
	nodeID, tool, err = SplitToolName(wire)
	if err != nil {
		return "", "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok || !n.Connected || !n.Advertises(tool) {
		return "", "", ErrNoNodeProvides
	}
	return nodeID, tool, nil
}

// NamespacedTools returns every connected node's tools under wire names,
// sorted for stable snapshots.
func (r *Registry) NamespacedTools() []protocol.ToolDefinition {
	var out []protocol.ToolDefinition
	for _, n := range r.Connected() {
		for _, t := range n.Tools {
			out = append(out, protocol.ToolDefinition{
				Name:        WireName(n.ID, t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecutionHost picks the shell host: the unique connected node with
// hostRole=execution. With none, ok is false. With several (a
// misconfiguration) the most recent connect wins, ties broken by id, so
// the choice stays deterministic.
func (r *Registry) ExecutionHost() (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidates []*Node
	for _, n := range r.nodes {
		if n.Connected && n.Runtime.HostRole == protocol.HostRoleExecution {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return Node{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ConnectedAt != candidates[j].ConnectedAt {
			return candidates[i].ConnectedAt > candidates[j].ConnectedAt
		}
		return candidates[i].ID < candidates[j].ID
	})
	return *candidates[0], true
}

// ProbeTargets lists connected nodes able to answer bin probes.
func (r *Registry) ProbeTargets() []Node {
	var out []Node
	for _, n := range r.Connected() {
		if n.HasCapability(protocol.CapShellExec) {
			out = append(out, n)
		}
	}
	return out
}

// SetBinStatus records a probe answer on the node entry.
func (r *Registry) SetBinStatus(id string, bins map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	if n.Runtime.HostBinStatus == nil {
		n.Runtime.HostBinStatus = map[string]bool{}
	}
	for b, present := range bins {
		n.Runtime.HostBinStatus[b] = present
	}
	n.Runtime.HostBinStatusUpdatedAt = r.now().UnixMilli()
}

// BinUnion merges bin status across connected nodes, used by skill
// eligibility.
func (r *Registry) BinUnion() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]bool{}
	for _, n := range r.nodes {
		if !n.Connected {
			continue
		}
		for b, present := range n.Runtime.HostBinStatus {
			if present {
				out[b] = true
			} else if _, seen := out[b]; !seen {
				out[b] = false
			}
		}
	}
	return out
}
