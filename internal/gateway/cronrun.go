package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// addJob validates and persists a new job, scheduling its first run.
func (g *Gateway) addJob(ctx context.Context, agentID, name string, schedule cron.Schedule, spec cron.Spec, deleteAfterRun bool) (*cron.Job, error) {
	cfg := g.Config()
	if !cfg.Cron.Enabled {
		return nil, protocol.NewRpcError(protocol.CodeUnavailable, "cron is disabled")
	}
	if agentID == "" {
		agentID = cfg.DefaultAgent()
	}
	ids, err := g.jobs.IDs(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Cron.MaxJobs > 0 && len(ids) >= cfg.Cron.MaxJobs {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "job limit reached (%d)", cfg.Cron.MaxJobs)
	}

	now := g.now().UnixMilli()
	job := cron.Job{
		ID:             uuid.NewString(),
		Name:           name,
		AgentID:        agentID,
		Schedule:       schedule,
		Spec:           spec,
		Enabled:        true,
		DeleteAfterRun: deleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}
	if err := job.Validate(); err != nil {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "%v", err)
	}
	if err := job.Reschedule(now); err != nil {
		return nil, protocol.NewRpcError(protocol.CodeBadRequest, "%v", err)
	}
	// A one-shot in the past still deserves exactly one run.
	if job.Schedule.Kind == cron.KindAt && job.State.NextRunAtMs == 0 {
		job.State.NextRunAtMs = now
	}
	if err := g.jobs.Put(ctx, job.ID, job); err != nil {
		return nil, err
	}
	g.logger.Info("cron.job_added", "jobId", job.ID, "agent", agentID, "kind", schedule.Kind)
	g.rescheduleAlarm()
	return &job, nil
}

// runDueJobs executes every enabled job whose next run has arrived.
// Called from the alarm loop.
func (g *Gateway) runDueJobs(ctx context.Context) {
	cfg := g.Config()
	if !cfg.Cron.Enabled {
		return
	}
	all, err := g.jobs.All(ctx)
	if err != nil {
		g.logger.Error("cron.load_failed", "error", err)
		return
	}
	now := g.now().UnixMilli()
	running := 0
	for _, job := range all {
		if !job.Enabled || job.State.NextRunAtMs == 0 || job.State.NextRunAtMs > now {
			continue
		}
		if cfg.Cron.MaxConcurrentRuns > 0 && running >= cfg.Cron.MaxConcurrentRuns {
			break
		}
		running++
		g.runJob(ctx, job, "due")
	}
}

// RunJob forces a job to run now, regardless of schedule.
func (g *Gateway) RunJob(ctx context.Context, jobID, mode string) error {
	job, ok, err := g.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.NewRpcError(protocol.CodeNotFound, "no job %s", jobID)
	}
	if mode == "" {
		mode = "force"
	}
	g.runJob(ctx, job, mode)
	return nil
}

// runJob executes one job: systemEvent runs in the agent's main session,
// task runs isolated. Delivery, when wired, rides the reply router.
func (g *Gateway) runJob(ctx context.Context, job cron.Job, mode string) {
	now := g.now()
	runID := uuid.NewString()
	rec := cron.Run{
		RunID:     runID,
		JobID:     job.ID,
		StartedAt: now.UnixMilli(),
		Status:    cron.RunOK,
		Mode:      mode,
	}

	var sessionKey, text string
	cfg := g.Config()
	switch job.Spec.Mode {
	case cron.ModeSystemEvent:
		sessionKey = sessions.MainKey(job.AgentID, cfg.Session.MainKey)
		text = job.Spec.Text
	default: // task
		sessionKey = sessions.CronJobKey(job.AgentID, job.ID)
		text = job.Spec.Message
	}

	prefix := fmt.Sprintf("[cron · %s]", now.In(g.userLocation()).Format("2006-01-02 15:04"))
	body := prefix + " " + text

	deliver := job.Spec.ShouldDeliver()
	if deliver {
		route, ok := g.cronRoute(ctx, job)
		if ok {
			route.SessionKey = sessionKey
			g.replies.Register(runID, route)
			// Delivery is wired; a message-tool call on top would double-send.
			body += "\n(Your reply is delivered automatically; do not use the message tool.)"
			if job.Spec.Mode == cron.ModeTask {
				// Isolated sessions still get a fresh delivery context so the
				// message tool can resolve defaults if the agent needs it.
				g.lastActive.Put(ctx, job.AgentID, sessions.LastActiveContext{
					Channel:    route.Channel,
					AccountID:  route.AccountID,
					Peer:       route.Peer,
					SessionKey: sessionKey,
					Timestamp:  now.UnixMilli(),
				})
			}
		} else {
			g.logger.Warn("cron.no_delivery_target", "jobId", job.ID)
		}
	}

	sess := g.agents.Get(sessionKey)
	_, err := sess.ChatSend(ctx, agent.SendRequest{
		RunID:      runID,
		Text:       body,
		Tools:      g.tools.Snapshot(),
		SessionKey: sessionKey,
	})
	if err != nil {
		g.replies.Cancel(runID)
		rec.Status = cron.RunError
		rec.Error = err.Error()
		g.logger.Error("cron.run_failed", "jobId", job.ID, "error", err)
	} else {
		g.logger.Info("cron.run_started", "jobId", job.ID, "runId", runID, "mode", mode)
	}
	rec.FinishedAt = g.now().UnixMilli()
	g.recordRun(ctx, job.ID, rec)

	job.State.LastRunAtMs = now.UnixMilli()
	if job.DeleteAfterRun || (job.Schedule.Kind == cron.KindAt && mode == "due") {
		g.jobs.Delete(ctx, job.ID)
	} else {
		if err := job.Reschedule(now.UnixMilli()); err != nil {
			g.logger.Error("cron.reschedule_failed", "jobId", job.ID, "error", err)
		}
		job.UpdatedAtMs = now.UnixMilli()
		g.jobs.Put(ctx, job.ID, job)
	}
	g.rescheduleAlarm()
}

// cronRoute resolves where a job's output is delivered: the job's own
// channel/to, else the agent's last active context.
func (g *Gateway) cronRoute(ctx context.Context, job cron.Job) (channels.ReplyRoute, bool) {
	if job.Spec.Channel != "" && job.Spec.To != "" {
		return channels.ReplyRoute{
			Channel: job.Spec.Channel,
			Peer:    channelPeerFor(job.Spec.To),
		}, true
	}
	la, ok, err := g.lastActive.Get(ctx, job.AgentID)
	if err != nil || !ok {
		return channels.ReplyRoute{}, false
	}
	return channels.ReplyRoute{
		Channel:   la.Channel,
		AccountID: la.AccountID,
		Peer:      la.Peer,
	}, true
}

// recordRun appends to the per-job history ring.
func (g *Gateway) recordRun(ctx context.Context, jobID string, rec cron.Run) {
	max := g.Config().Cron.MaxRunsPerJobHistory
	err := g.jobRuns.Update(ctx, jobID, func(runs *[]cron.Run) {
		*runs = append(*runs, rec)
		if max > 0 && len(*runs) > max {
			*runs = (*runs)[len(*runs)-max:]
		}
	})
	if err != nil {
		g.logger.Error("cron.history_failed", "jobId", jobID, "error", err)
	}
}

// userLocation is the wall clock used in message prefixes.
func (g *Gateway) userLocation() *time.Location {
	if tz := g.Config().UserTimezone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}
