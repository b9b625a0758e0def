package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
)

const (
	execSessionTTL  = 24 * time.Hour
	deliveredTTL    = 24 * time.Hour
	deliveryBackoff = time.Second
	deliveryBackMax = 60 * time.Second
)

// execSession is one long-running shell exec awaiting terminal events.
type execSession struct {
	SessionID  string `json:"sessionId"`
	SessionKey string `json:"sessionKey"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// execDelivery is one queued terminal-event delivery with retry state.
type execDelivery struct {
	EventID       string `json:"eventId"`
	SessionKey    string `json:"sessionKey"`
	Text          string `json:"text"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt int64  `json:"nextAttemptAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// deliveredEvent marks an eventId as ingested, for 24 h of dedup.
type deliveredEvent struct {
	EventID     string `json:"eventId"`
	DeliveredAt int64  `json:"deliveredAt"`
}

// execEventParams is the node.exec.event payload.
type execEventParams struct {
	SessionID  string `json:"sessionId"`
	Event      string `json:"event"`
	EventID    string `json:"eventId,omitempty"`
	CallID     string `json:"callId,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Signal     string `json:"signal,omitempty"`
	OutputTail string `json:"outputTail,omitempty"`
	StartedAt  int64  `json:"startedAt,omitempty"`
	EndedAt    int64  `json:"endedAt,omitempty"`
}

// registerExecSession records a pending async exec on tool dispatch.
func (g *Gateway) registerExecSession(ctx context.Context, callID, sessionKey string) {
	now := g.now()
	err := g.execs.Put(ctx, callID, execSession{
		SessionID:  callID,
		SessionKey: sessionKey,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(execSessionTTL).UnixMilli(),
	})
	if err != nil {
		g.logger.Error("exec.register_failed", "callId", callID, "error", err)
		return
	}
	g.rescheduleAlarm()
}

// ingestExecEvent processes one node.exec.event.
func (g *Gateway) ingestExecEvent(ctx context.Context, nodeID string, ev execEventParams) error {
	sess, ok, err := g.execs.Get(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if !ok {
		g.logger.Warn("exec.unknown_session", "sessionId", ev.SessionID, "event", ev.Event)
		return nil
	}

	switch ev.Event {
	case "started":
		sess.ExpiresAt = g.now().Add(execSessionTTL).UnixMilli()
		if err := g.execs.Put(ctx, ev.SessionID, sess); err != nil {
			return err
		}
		g.rescheduleAlarm()
		return nil
	case "finished", "failed", "timed_out":
		eventID := ev.EventID
		if eventID == "" {
			eventID = execEventID(nodeID, ev)
		}
		if _, seen, err := g.delivered.Get(ctx, eventID); err != nil {
			return err
		} else if seen {
			g.logger.Info("exec.duplicate_event", "eventId", eventID)
			return nil
		}
		now := g.now()
		del := execDelivery{
			EventID:       eventID,
			SessionKey:    sess.SessionKey,
			Text:          execCompletionText(ev),
			NextAttemptAt: now.UnixMilli(),
			ExpiresAt:     now.Add(execSessionTTL).UnixMilli(),
		}
		if err := g.deliveries.Put(ctx, eventID, del); err != nil {
			return err
		}
		if err := g.execs.Delete(ctx, ev.SessionID); err != nil {
			return err
		}
		g.rescheduleAlarm()
		return nil
	default:
		g.logger.Warn("exec.unknown_event", "event", ev.Event)
		return nil
	}
}

// execEventID derives a stable id for a terminal event so replays
// deduplicate.
func execEventID(nodeID string, ev execEventParams) string {
	exit := -1
	if ev.ExitCode != nil {
		exit = *ev.ExitCode
	}
	tuple := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%s",
		nodeID, ev.SessionID, ev.Event, ev.CallID, ev.StartedAt, ev.EndedAt, exit, ev.Signal)
	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:16])
}

// execCompletionText is what the agent sees when a background exec
// finishes.
func execCompletionText(ev execEventParams) string {
	out := fmt.Sprintf("Background command %s: %s", ev.SessionID, ev.Event)
	if ev.ExitCode != nil {
		out += fmt.Sprintf(" (exit %d)", *ev.ExitCode)
	}
	if ev.Signal != "" {
		out += " (signal " + ev.Signal + ")"
	}
	if ev.OutputTail != "" {
		out += "\n" + ev.OutputTail
	}
	return out
}

// attemptDeliveries pushes every due delivery into its session, retrying
// with exponential backoff on failure. Called from the alarm loop.
func (g *Gateway) attemptDeliveries(ctx context.Context) {
	all, err := g.deliveries.All(ctx)
	if err != nil {
		g.logger.Error("exec.deliveries_load_failed", "error", err)
		return
	}
	now := g.now().UnixMilli()
	for id, del := range all {
		if del.NextAttemptAt > now {
			continue
		}
		if del.ExpiresAt <= now {
			g.deliveries.Delete(ctx, id)
			g.logger.Warn("exec.delivery_expired", "eventId", id)
			continue
		}
		if err := g.deliverExecEvent(ctx, del); err != nil {
			del.Attempts++
			backoff := deliveryBackoff << del.Attempts
			if backoff > deliveryBackMax {
				backoff = deliveryBackMax
			}
			del.NextAttemptAt = now + backoff.Milliseconds()
			g.deliveries.Put(ctx, id, del)
			g.logger.Warn("exec.delivery_retry", "eventId", id, "attempts", del.Attempts, "error", err)
			continue
		}
		g.deliveries.Delete(ctx, id)
		g.delivered.Put(ctx, id, deliveredEvent{EventID: id, DeliveredAt: now})
	}
}

// deliverExecEvent ingests one completion into its originating session.
func (g *Gateway) deliverExecEvent(ctx context.Context, del execDelivery) error {
	sess := g.agents.Get(del.SessionKey)
	_, err := sess.ChatSend(ctx, agent.SendRequest{
		RunID:      "exec-" + del.EventID,
		Text:       del.Text,
		Tools:      g.tools.Snapshot(),
		SessionKey: del.SessionKey,
	})
	return err
}

// gcExecState drops expired pending sessions and aged delivered marks.
func (g *Gateway) gcExecState(ctx context.Context) {
	now := g.now().UnixMilli()
	if all, err := g.execs.All(ctx); err == nil {
		for id, s := range all {
			if s.ExpiresAt <= now {
				g.execs.Delete(ctx, id)
			}
		}
	}
	if all, err := g.delivered.All(ctx); err == nil {
		for id, d := range all {
			if d.DeliveredAt+deliveredTTL.Milliseconds() <= now {
				g.delivered.Delete(ctx, id)
			}
		}
	}
}
