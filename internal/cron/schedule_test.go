package cron

import (
	"testing"
	"time"
)

// TestSpinAvoidance grounds scenario 6: a cron firing at
// 2026-02-15T13:00:00Z and completing 7ms later within the same second
// must produce a next fire strictly after that second, and not re-fire
// immediately.
func TestSpinAvoidance(t *testing.T) {
	sched := Schedule{Kind: KindCron, Expr: "0 13 * * *", TZ: "UTC", StaggerMs: ptrInt64(0)}
	fireAt := time.Date(2026, 2, 15, 13, 0, 0, 0, time.UTC)
	endedAt := fireAt.Add(7 * time.Millisecond)

	next, err := AdvanceAfterRun(sched, "daily-report", endedAt)
	if err != nil {
		t.Fatalf("AdvanceAfterRun: %v", err)
	}

	wantFloor := time.Date(2026, 2, 16, 13, 0, 0, 0, time.UTC)
	if next.Before(wantFloor) {
		t.Fatalf("next fire %v should be at/after next day 13:00, got before %v", next, wantFloor)
	}
	if !next.After(endedAt) {
		t.Fatalf("next fire %v must be strictly after endedAt %v", next, endedAt)
	}
}

func TestEverySchedule(t *testing.T) {
	sched := Schedule{Kind: KindEvery, EveryMs: 60_000}
	after := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	next, err := NextFire(sched, "job1", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if !next.After(after) {
		t.Fatalf("next fire must be strictly after %v, got %v", after, next)
	}
}

func TestAtScheduleOneShotPast(t *testing.T) {
	sched := Schedule{Kind: KindAt, At: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	_, err := NextFire(sched, "job1", time.Now())
	if err == nil {
		t.Fatal("expected error for past one-shot schedule")
	}
}

func TestTopOfHourStaggerDeterministic(t *testing.T) {
	sched := Schedule{Kind: KindCron, Expr: "0 * * * *", TZ: "UTC"}
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n1, err := NextFire(sched, "same-job", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	n2, err := NextFire(sched, "same-job", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if !n1.Equal(n2) {
		t.Fatalf("stagger must be deterministic for same job id: %v != %v", n1, n2)
	}
}

func ptrInt64(v int64) *int64 { return &v }
