package gateway

import (
	"context"
	"time"
)

// maxAlarmSleep bounds the timer so config changes are picked up even
// when nothing is due.
const maxAlarmSleep = 5 * time.Minute

// rescheduleAlarm recomputes the single next-fire timer from every due
// set. Called after any mutation that can move the earliest deadline.
func (g *Gateway) rescheduleAlarm() {
	select {
	case <-g.closed:
		return
	default:
	}
	next := g.nextFireAt(context.Background())

	g.alarmMu.Lock()
	defer g.alarmMu.Unlock()
	if g.alarm != nil {
		g.alarm.Stop()
		g.alarm = nil
	}
	if next == 0 {
		return
	}
	delay := time.Duration(next-g.now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > maxAlarmSleep {
		delay = maxAlarmSleep
	}
	g.alarm = time.AfterFunc(delay, g.onAlarm)
}

// nextFireAt is the minimum over every scheduled concern, or 0 when
// nothing is due.
func (g *Gateway) nextFireAt(ctx context.Context) int64 {
	var next int64
	min := func(at int64) {
		if at > 0 && (next == 0 || at < next) {
			next = at
		}
	}

	for _, agentID := range g.heartbeatAgents() {
		min(g.nextHeartbeatAt(ctx, agentID))
	}

	if jobs, err := g.jobs.All(ctx); err == nil {
		for _, j := range jobs {
			if j.Enabled {
				min(j.State.NextRunAtMs)
			}
		}
	}

	cfg := g.Config()
	if probes, err := g.probes.All(ctx); err == nil {
		for _, p := range probes {
			if p.Sent {
				min(p.ExpiresAt)
			}
			min(p.CreatedAt + cfg.Timeouts.SkillProbeMaxAge)
		}
	}

	if execs, err := g.execs.All(ctx); err == nil {
		for _, e := range execs {
			min(e.ExpiresAt)
		}
	}
	if dels, err := g.deliveries.All(ctx); err == nil {
		for _, d := range dels {
			min(d.NextAttemptAt)
			min(d.ExpiresAt)
		}
	}
	if done, err := g.delivered.All(ctx); err == nil {
		for _, d := range done {
			min(d.DeliveredAt + deliveredTTL.Milliseconds())
		}
	}
	return next
}

// onAlarm services every due concern, then re-arms.
func (g *Gateway) onAlarm() {
	select {
	case <-g.closed:
		return
	default:
	}
	ctx := context.Background()
	g.runDueHeartbeats(ctx)
	g.runDueJobs(ctx)
	g.sweepProbes(ctx)
	g.attemptDeliveries(ctx)
	g.gcExecState(ctx)
	g.rescheduleAlarm()
}
