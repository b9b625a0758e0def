package cron

import (
	"errors"
	"testing"
	"time"
)

func TestScheduleAt(t *testing.T) {
	now := time.Now().UnixMilli()
	s := Schedule{Kind: KindAt, AtMs: now + 1000}
	next, err := s.Next(now)
	if err != nil || next != now+1000 {
		t.Fatalf("next = %d err = %v", next, err)
	}
	// Past one-shot never fires again.
	next, err = s.Next(now + 5000)
	if err != nil || next != 0 {
		t.Fatalf("past at: next = %d err = %v", next, err)
	}
}

func TestScheduleEveryAnchored(t *testing.T) {
	anchor := int64(1_000_000)
	s := Schedule{Kind: KindEvery, EveryMs: 600_000, AnchorMs: anchor}

	cases := []struct {
		now  int64
		want int64
	}{
		{anchor, anchor + 600_000},
		{anchor + 1, anchor + 600_000},
		{anchor + 600_000, anchor + 1_200_000},
		{anchor - 5000, anchor}, // future anchor fires at the anchor
	}
	for _, tc := range cases {
		next, err := s.Next(tc.now)
		if err != nil {
			t.Fatalf("now=%d: %v", tc.now, err)
		}
		if next != tc.want {
			t.Errorf("now=%d: next = %d want %d", tc.now, next, tc.want)
		}
	}
}

func TestScheduleCron(t *testing.T) {
	s := Schedule{Kind: KindCron, Expr: "0 9 * * *", TZ: "UTC"}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
	next, err := s.Next(now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	got := time.UnixMilli(next).UTC()
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next = %v want %v", got, want)
	}
}

func TestScheduleValidate(t *testing.T) {
	cases := []struct {
		name string
		s    Schedule
		ok   bool
	}{
		{"at ok", Schedule{Kind: KindAt, AtMs: 5}, true},
		{"at missing", Schedule{Kind: KindAt}, false},
		{"every ok", Schedule{Kind: KindEvery, EveryMs: 1000}, true},
		{"every zero", Schedule{Kind: KindEvery}, false},
		{"cron ok", Schedule{Kind: KindCron, Expr: "*/5 * * * *"}, true},
		{"cron bad expr", Schedule{Kind: KindCron, Expr: "not a cron"}, false},
		{"cron bad tz", Schedule{Kind: KindCron, Expr: "* * * * *", TZ: "Mars/Olympus"}, false},
		{"unknown kind", Schedule{Kind: "sometimes"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidSchedule) {
				t.Fatalf("err = %v, want ErrInvalidSchedule", err)
			}
		})
	}
}

func TestSpecDeliverDefaults(t *testing.T) {
	task := Spec{Mode: ModeTask, Message: "m"}
	if !task.ShouldDeliver() {
		t.Fatal("task should deliver by default")
	}
	sys := Spec{Mode: ModeSystemEvent, Text: "t"}
	if sys.ShouldDeliver() {
		t.Fatal("systemEvent should not deliver by default")
	}
	no := false
	task.Deliver = &no
	if task.ShouldDeliver() {
		t.Fatal("explicit deliver=false ignored")
	}
}

func TestJobReschedule(t *testing.T) {
	now := time.Now().UnixMilli()
	j := Job{
		ID:       "j1",
		AgentID:  "main",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 1000, AnchorMs: now},
		Spec:     Spec{Mode: ModeTask, Message: "x"},
	}
	if err := j.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := j.Reschedule(now); err != nil {
		t.Fatal(err)
	}
	if j.State.NextRunAtMs != now+1000 {
		t.Fatalf("next = %d", j.State.NextRunAtMs)
	}

	j.Enabled = false
	if err := j.Reschedule(now); err != nil {
		t.Fatal(err)
	}
	if j.State.NextRunAtMs != 0 {
		t.Fatal("disabled job keeps next run")
	}
}
