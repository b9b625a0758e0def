// Package cron holds the scheduled-job model: one-shot, fixed-interval,
// and cron-expression schedules, job specs, and next-run computation.
// Execution lives in the gateway's alarm loop.
package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	KindAt    = "at"
	KindEvery = "every"
	KindCron  = "cron"
)

// Spec modes.
const (
	ModeSystemEvent = "systemEvent"
	ModeTask        = "task"
)

var (
	ErrInvalidSchedule = errors.New("cron: invalid schedule")
	ErrInvalidSpec     = errors.New("cron: invalid spec")
)

// Schedule is when a job fires.
type Schedule struct {
	Kind string `json:"kind"`

	// at
	AtMs int64 `json:"atMs,omitempty"`

	// every
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Validate checks the schedule shape.
func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("%w: at requires atMs", ErrInvalidSchedule)
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("%w: every requires everyMs > 0", ErrInvalidSchedule)
		}
	case KindCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("%w: bad cron expression %q", ErrInvalidSchedule, s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("%w: bad timezone %q", ErrInvalidSchedule, s.TZ)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// Next returns the next fire time strictly after now in unix millis, or 0
// when the schedule has no further runs.
func (s *Schedule) Next(nowMs int64) (int64, error) {
	switch s.Kind {
	case KindAt:
		if s.AtMs > nowMs {
			return s.AtMs, nil
		}
		return 0, nil
	case KindEvery:
		if s.EveryMs <= 0 {
			return 0, ErrInvalidSchedule
		}
		anchor := s.AnchorMs
		if anchor == 0 {
			anchor = nowMs
		}
		if anchor > nowMs {
			return anchor, nil
		}
		elapsed := nowMs - anchor
		steps := elapsed/s.EveryMs + 1
		return anchor + steps*s.EveryMs, nil
	case KindCron:
		loc := time.Local
		if s.TZ != "" {
			l, err := time.LoadLocation(s.TZ)
			if err != nil {
				return 0, fmt.Errorf("%w: bad timezone %q", ErrInvalidSchedule, s.TZ)
			}
			loc = l
		}
		now := time.UnixMilli(nowMs).In(loc)
		next, err := gronx.NextTickAfter(s.Expr, now, false)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return next.UnixMilli(), nil
	default:
		return 0, ErrInvalidSchedule
	}
}

// Spec is what a due job does.
type Spec struct {
	Mode string `json:"mode"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// task
	Message string `json:"message,omitempty"`
	Deliver *bool  `json:"deliver,omitempty"` // default true for task
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// Validate checks the spec shape.
func (s *Spec) Validate() error {
	switch s.Mode {
	case ModeSystemEvent:
		if s.Text == "" {
			return fmt.Errorf("%w: systemEvent requires text", ErrInvalidSpec)
		}
	case ModeTask:
		if s.Message == "" {
			return fmt.Errorf("%w: task requires message", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSpec, s.Mode)
	}
	return nil
}

// ShouldDeliver reports whether the run output is routed to a channel.
// Tasks deliver by default; system events only when asked.
func (s *Spec) ShouldDeliver() bool {
	if s.Deliver != nil {
		return *s.Deliver
	}
	return s.Mode == ModeTask
}

// JobState is the mutable scheduling state of a job.
type JobState struct {
	NextRunAtMs  int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMs  int64 `json:"lastRunAtMs,omitempty"`
	RunningSince int64 `json:"runningSince,omitempty"`
}

// Job is one scheduled agent invocation.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	AgentID        string   `json:"agentId"`
	Schedule       Schedule `json:"schedule"`
	Spec           Spec     `json:"spec"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
}

// Validate checks the whole job.
func (j *Job) Validate() error {
	if j.AgentID == "" {
		return fmt.Errorf("%w: job requires agentId", ErrInvalidSpec)
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	return j.Spec.Validate()
}

// Reschedule recomputes NextRunAtMs after a run (or on creation). One-shot
// jobs end up with NextRunAtMs=0.
func (j *Job) Reschedule(nowMs int64) error {
	if !j.Enabled {
		j.State.NextRunAtMs = 0
		return nil
	}
	next, err := j.Schedule.Next(nowMs)
	if err != nil {
		return err
	}
	j.State.NextRunAtMs = next
	return nil
}

// Run statuses.
const (
	RunOK      = "ok"
	RunError   = "error"
	RunSkipped = "skipped"
)

// Run is one execution record kept in the per-job history ring.
type Run struct {
	RunID      string `json:"runId"`
	JobID      string `json:"jobId"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt,omitempty"`
	Status     string `json:"status"`
	Mode       string `json:"mode,omitempty"` // "due" or "force"
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
}
