package gateway

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const (
	probeTimeout     = 30 * time.Second
	probeMaxAttempts = 2
)

// pendingProbe is one outstanding bin probe against a node. The probeId
// survives node reconnects so replays are idempotent.
type pendingProbe struct {
	ProbeID   string   `json:"probeId"`
	NodeID    string   `json:"nodeId"`
	Bins      []string `json:"bins"`
	Attempts  int      `json:"attempts"`
	CreatedAt int64    `json:"createdAt"`
	ExpiresAt int64    `json:"expiresAt"`
	Sent      bool     `json:"sent"`
}

// probeResultParams is the node.probe.result payload.
type probeResultParams struct {
	ProbeID string          `json:"probeId"`
	OK      bool            `json:"ok"`
	Bins    map[string]bool `json:"bins,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RequestProbes queues bin probes for every shell-capable node, for the
// union of bins the agent's skills require. Existing unresolved probes
// for the same node and bin set are reused, not duplicated.
func (g *Gateway) RequestProbes(ctx context.Context, agentID string) {
	bins := g.skills.RequiredBins(agentID)
	if len(bins) == 0 {
		return
	}
	now := g.now()
	for _, node := range g.nodes.ProbeTargets() {
		key := probeKey(node.ID, bins)
		if _, ok, err := g.probes.Get(ctx, key); err == nil && ok {
			continue
		}
		probe := pendingProbe{
			ProbeID:   uuid.NewString(),
			NodeID:    node.ID,
			Bins:      bins,
			CreatedAt: now.UnixMilli(),
			ExpiresAt: now.Add(probeTimeout).UnixMilli(),
		}
		if err := g.probes.Put(ctx, key, probe); err != nil {
			g.logger.Error("probe.save_failed", "node", node.ID, "error", err)
			continue
		}
	}
	g.dispatchAllProbes(ctx)
	g.rescheduleAlarm()
}

func probeKey(nodeID string, bins []string) string {
	return nodeID + "/" + strings.Join(bins, ",")
}

// dispatchProbes sends every unresolved probe for one node, reusing the
// recorded probeId. Called on node connect.
func (g *Gateway) dispatchProbes(ctx context.Context, nodeID string) {
	peer, ok := g.nodePeer(nodeID)
	if !ok {
		return
	}
	all, err := g.probes.All(ctx)
	if err != nil {
		g.logger.Error("probe.load_failed", "error", err)
		return
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		probe := all[k]
		if probe.NodeID != nodeID {
			continue
		}
		probe.Sent = true
		probe.ExpiresAt = g.now().Add(probeTimeout).UnixMilli()
		if err := g.probes.Put(ctx, k, probe); err != nil {
			continue
		}
		peer.SendEvent(protocol.EventNodeProbe, protocol.NodeProbeEvent{
			ProbeID:   probe.ProbeID,
			Kind:      "bins",
			Bins:      probe.Bins,
			TimeoutMs: probeTimeout.Milliseconds(),
		})
		g.logger.Info("probe.dispatched", "node", nodeID, "probeId", probe.ProbeID)
	}
	g.rescheduleAlarm()
}

func (g *Gateway) dispatchAllProbes(ctx context.Context) {
	seen := map[string]bool{}
	all, err := g.probes.All(ctx)
	if err != nil {
		return
	}
	for _, probe := range all {
		if probe.Sent || seen[probe.NodeID] {
			continue
		}
		seen[probe.NodeID] = true
		g.dispatchProbes(ctx, probe.NodeID)
	}
}

// requeueProbes marks a disconnected node's probes unsent so a reconnect
// replays them with the same probeId.
func (g *Gateway) requeueProbes(nodeID string) {
	ctx := context.Background()
	all, err := g.probes.All(ctx)
	if err != nil {
		return
	}
	for k, probe := range all {
		if probe.NodeID != nodeID {
			continue
		}
		probe.Sent = false
		g.probes.Put(ctx, k, probe)
	}
}

// ingestProbeResult records a node's bin report and resolves the probe.
// Unknown probeIds are logged and dropped.
func (g *Gateway) ingestProbeResult(ctx context.Context, nodeID string, res probeResultParams) {
	all, err := g.probes.All(ctx)
	if err != nil {
		g.logger.Error("probe.load_failed", "error", err)
		return
	}
	for k, probe := range all {
		if probe.ProbeID != res.ProbeID {
			continue
		}
		g.probes.Delete(ctx, k)
		if res.OK {
			g.nodes.SetBinStatus(probe.NodeID, res.Bins)
			g.logger.Info("probe.resolved", "node", probe.NodeID, "probeId", res.ProbeID)
		} else {
			g.logger.Warn("probe.failed", "node", probe.NodeID, "probeId", res.ProbeID, "error", res.Error)
		}
		g.rescheduleAlarm()
		return
	}
	g.logger.Warn("probe.unknown_result", "node", nodeID, "probeId", res.ProbeID)
}

// sweepProbes retries timed-out probes (up to the attempt cap) and GCs
// entries past the configured max age. Called from the alarm loop.
func (g *Gateway) sweepProbes(ctx context.Context) {
	cfg := g.Config()
	now := g.now().UnixMilli()
	all, err := g.probes.All(ctx)
	if err != nil {
		return
	}
	for k, probe := range all {
		if probe.CreatedAt+cfg.Timeouts.SkillProbeMaxAge <= now {
			g.probes.Delete(ctx, k)
			g.logger.Info("probe.gc", "node", probe.NodeID, "probeId", probe.ProbeID)
			continue
		}
		if !probe.Sent || probe.ExpiresAt > now {
			continue
		}
		if probe.Attempts+1 >= probeMaxAttempts {
			// Out of attempts; the entry ages out via GC.
			probe.Sent = true
			probe.Attempts++
			probe.ExpiresAt = probe.CreatedAt + cfg.Timeouts.SkillProbeMaxAge
			g.probes.Put(ctx, k, probe)
			continue
		}
		probe.Attempts++
		probe.ExpiresAt = now + probeTimeout.Milliseconds()
		if err := g.probes.Put(ctx, k, probe); err != nil {
			continue
		}
		if peer, ok := g.nodePeer(probe.NodeID); ok {
			peer.SendEvent(protocol.EventNodeProbe, protocol.NodeProbeEvent{
				ProbeID:   probe.ProbeID,
				Kind:      "bins",
				Bins:      probe.Bins,
				TimeoutMs: probeTimeout.Milliseconds(),
			})
			g.logger.Info("probe.retried", "node", probe.NodeID, "probeId", probe.ProbeID)
		}
	}
}
