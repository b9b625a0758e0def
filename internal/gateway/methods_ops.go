package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// logsWait bounds how long a forwarded logs request may dangle before
// the client gets a timeout error.
const logsWait = 30 * time.Second

// pendingLog tracks one forwarded logs.get awaiting the node's answer.
type pendingLog struct {
	ClientKey string
	ReqID     string
	ExpiresAt int64
}

func (g *Gateway) agentOrDefault(id string) string {
	if id != "" {
		return id
	}
	return g.Config().DefaultAgent()
}

type toolInvokeParams struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// handleToolInvoke lets a client call a node tool directly. The client's
// res is written when the node answers.
func (g *Gateway) handleToolInvoke(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params toolInvokeParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if params.Tool == "" {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "tool required")
	}
	if err := g.tools.DispatchClientTool(ctx, p.Key(), f.ID, params.Tool, params.Args); err != nil {
		return nil, err
	}
	return deferred, nil
}

type toolResultParams struct {
	CallID string               `json:"callId"`
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *protocol.ErrorShape `json:"error,omitempty"`
}

func (g *Gateway) handleToolResult(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params toolResultParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if params.CallID == "" {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "callId required")
	}
	if err := g.tools.HandleResult(ctx, params.CallID, params.Result, params.Error); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (g *Gateway) handleNodeProbeResult(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params probeResultParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if params.ProbeID == "" {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "probeId required")
	}
	g.ingestProbeResult(ctx, p.info.ID, params)
	return map[string]interface{}{"ok": true}, nil
}

func (g *Gateway) handleNodeExecEvent(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params execEventParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if params.SessionID == "" {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "sessionId required")
	}
	if err := g.ingestExecEvent(ctx, p.info.ID, params); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

type logsGetParams struct {
	Lines int    `json:"lines,omitempty"`
	Since string `json:"since,omitempty"`
}

// handleLogsGet forwards the request to the execution host and defers
// the client's res until the node answers (or the wait expires).
func (g *Gateway) handleLogsGet(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params logsGetParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	host, ok := g.execHost()
	if !ok {
		return nil, protocol.NewRpcError(protocol.CodeUnavailable, "no execution host connected")
	}
	peer, ok := g.nodePeer(host.ID)
	if !ok {
		return nil, protocol.NewRpcError(protocol.CodeUnavailable, "no execution host connected")
	}

	fwdID := "logs-" + uuid.NewString()
	g.logsMu.Lock()
	g.pendingLogs[fwdID] = pendingLog{
		ClientKey: p.Key(),
		ReqID:     f.ID,
		ExpiresAt: g.now().Add(logsWait).UnixMilli(),
	}
	g.logsMu.Unlock()

	peer.SendRequest(fwdID, protocol.MethodLogsGet, params)

	time.AfterFunc(logsWait, func() { g.expireLogs(fwdID) })
	return deferred, nil
}

type logsResultParams struct {
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// handleLogsResult is the push form of a node's logs answer, for nodes
// that respond with a method call instead of a res frame.
func (g *Gateway) handleLogsResult(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params logsResultParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	var shape *protocol.ErrorShape
	if params.Error != "" {
		shape = &protocol.ErrorShape{Code: protocol.CodeInternal, Message: params.Error}
	}
	if !g.resolveLogs(params.RequestID, params.Payload, shape) {
		g.logger.Warn("logs.unknown_result", "requestId", params.RequestID)
	}
	return map[string]interface{}{"ok": true}, nil
}

// resolveLogs completes a forwarded logs request, writing the client's
// deferred res. Returns false when the request is unknown or expired.
func (g *Gateway) resolveLogs(fwdID string, payload json.RawMessage, errShape *protocol.ErrorShape) bool {
	g.logsMu.Lock()
	pl, ok := g.pendingLogs[fwdID]
	if ok {
		delete(g.pendingLogs, fwdID)
	}
	g.logsMu.Unlock()
	if !ok {
		return false
	}
	client, up := g.peer(pl.ClientKey)
	if !up {
		return true
	}
	if errShape != nil {
		client.SendError(pl.ReqID, errShape)
	} else {
		client.SendResult(pl.ReqID, payload)
	}
	return true
}

// expireLogs times out a dangling forwarded request.
func (g *Gateway) expireLogs(fwdID string) {
	g.resolveLogs(fwdID, nil, &protocol.ErrorShape{
		Code:      protocol.CodeUnavailable,
		Message:   "logs request timed out",
		Retryable: true,
	})
}

type heartbeatParams struct {
	Agent string `json:"agent,omitempty"`
}

func (g *Gateway) handleHeartbeatStatus(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params heartbeatParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	agentID := g.agentOrDefault(params.Agent)
	hb := g.Config().HeartbeatFor(agentID)
	every := heartbeatEvery(hb)
	st, _, err := g.heartbeats.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"agent":     agentID,
		"enabled":   every > 0,
		"every":     hb.Every,
		"target":    hb.Target,
		"nextAtMs":  st.NextAtMs,
		"lastRunAt": st.LastRunAt,
	}, nil
}

func (g *Gateway) handleHeartbeatTrigger(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params heartbeatParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	agentID := g.agentOrDefault(params.Agent)
	g.fireHeartbeat(ctx, agentID, true)
	return map[string]interface{}{"ok": true, "agent": agentID}, nil
}

func (g *Gateway) handleCronStatus(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	cfg := g.Config()
	all, err := g.jobs.All(ctx)
	if err != nil {
		return nil, err
	}
	var nextAt int64
	enabled := 0
	for _, j := range all {
		if !j.Enabled {
			continue
		}
		enabled++
		if j.State.NextRunAtMs > 0 && (nextAt == 0 || j.State.NextRunAtMs < nextAt) {
			nextAt = j.State.NextRunAtMs
		}
	}
	return map[string]interface{}{
		"enabled":     cfg.Cron.Enabled,
		"jobs":        len(all),
		"enabledJobs": enabled,
		"nextRunAtMs": nextAt,
	}, nil
}

type cronListParams struct {
	Agent string `json:"agent,omitempty"`
}

func (g *Gateway) handleCronList(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params cronListParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	all, err := g.jobs.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]cron.Job, 0, len(all))
	for _, j := range all {
		if params.Agent != "" && j.AgentID != params.Agent {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	return map[string]interface{}{"jobs": out}, nil
}

type cronAddParams struct {
	Agent          string        `json:"agent,omitempty"`
	Name           string        `json:"name,omitempty"`
	Schedule       cron.Schedule `json:"schedule"`
	Spec           cron.Spec     `json:"spec"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
}

func (g *Gateway) handleCronAdd(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params cronAddParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	job, err := g.addJob(ctx, params.Agent, params.Name, params.Schedule, params.Spec, params.DeleteAfterRun)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"job": job}, nil
}

type cronUpdateParams struct {
	ID             string         `json:"id"`
	Name           *string        `json:"name,omitempty"`
	Schedule       *cron.Schedule `json:"schedule,omitempty"`
	Spec           *cron.Spec     `json:"spec,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
}

func (g *Gateway) handleCronUpdate(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params cronUpdateParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	job, ok, err := g.jobs.Get(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewRpcError(protocol.CodeNotFound, "no job %s", params.ID)
	}
	if params.Name != nil {
		job.Name = *params.Name
	}
	if params.Schedule != nil {
		job.Schedule = *params.Schedule
	}
	if params.Spec != nil {
		job.Spec = *params.Spec
	}
	if params.Enabled != nil {
		job.Enabled = *params.Enabled
	}
	if params.DeleteAfterRun != nil {
		job.DeleteAfterRun = *params.DeleteAfterRun
	}
	if err := job.Validate(); err != nil {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "%v", err)
	}
	now := g.now().UnixMilli()
	if err := job.Reschedule(now); err != nil {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "%v", err)
	}
	job.UpdatedAtMs = now
	if err := g.jobs.Put(ctx, job.ID, job); err != nil {
		return nil, err
	}
	g.rescheduleAlarm()
	return map[string]interface{}{"job": job}, nil
}

type cronJobParams struct {
	ID   string `json:"id"`
	Mode string `json:"mode,omitempty"`
}

func (g *Gateway) handleCronRemove(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params cronJobParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if _, ok, err := g.jobs.Get(ctx, params.ID); err != nil {
		return nil, err
	} else if !ok {
		return nil, protocol.NewRpcError(protocol.CodeNotFound, "no job %s", params.ID)
	}
	if err := g.jobs.Delete(ctx, params.ID); err != nil {
		return nil, err
	}
	g.jobRuns.Delete(ctx, params.ID)
	g.rescheduleAlarm()
	return map[string]interface{}{"ok": true}, nil
}

func (g *Gateway) handleCronRun(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params cronJobParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	if err := g.RunJob(ctx, params.ID, params.Mode); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (g *Gateway) handleCronRuns(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params cronJobParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	runs, _, err := g.jobRuns.Get(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"runs": runs}, nil
}

type skillsParams struct {
	Agent string `json:"agent,omitempty"`
}

// skillReport is one skill's wire status.
type skillReport struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source"`
	Enabled     bool     `json:"enabled"`
	Eligible    bool     `json:"eligible"`
	MissingBins []string `json:"missingBins,omitempty"`
}

func (g *Gateway) handleSkillsStatus(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params skillsParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	agentID := g.agentOrDefault(params.Agent)

	bins := g.nodes.BinUnion()
	cached := g.skills.Cached(agentID)
	out := make([]skillReport, 0, len(cached))
	for _, sk := range cached {
		rep := skillReport{
			Name:        sk.Name,
			Description: sk.Description,
			Source:      sk.Source,
			Enabled:     sk.Enabled,
		}
		if sk.Enabled {
			rep.Eligible = true
			if !sk.Always {
				for _, b := range sk.RequiredBins {
					if !bins[b] {
						rep.Eligible = false
						rep.MissingBins = append(rep.MissingBins, b)
					}
				}
			}
		}
		out = append(out, rep)
	}

	// Unresolved bins trigger probes so the next status call has answers.
	g.RequestProbes(ctx, agentID)

	return map[string]interface{}{"agent": agentID, "skills": out}, nil
}

func (g *Gateway) handleSkillsRefresh(ctx context.Context, p *Peer, f *protocol.Frame) (interface{}, error) {
	var params skillsParams
	if err := decodeParams(f, &params); err != nil {
		return nil, err
	}
	agentID := g.agentOrDefault(params.Agent)
	loaded, err := g.skills.Refresh(ctx, agentID, g.Config())
	if err != nil {
		return nil, err
	}
	g.RequestProbes(ctx, agentID)
	return map[string]interface{}{"agent": agentID, "count": len(loaded)}, nil
}
