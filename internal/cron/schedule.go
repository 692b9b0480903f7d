// Package cron computes next-fire times for persisted cron jobs
// and carries the retry policy referenced by
// internal/config.CronConfig.ToRetryConfig.
//
// This package, along with internal/scheduler and the CronStore types in
// internal/store, mirrors the call shape of cmd/gateway_cron.go and
// cmd/gateway_consumer.go, authored fresh from that contract.
package cron

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/adhocore/gronx"
)

// MaxTimerDelay bounds the master timer's single arming interval so a
// distant next-fire never produces one huge sleep.
const MaxTimerDelay = 60 * time.Second

// MinRefireGap is the anti-spin floor applied after a cron job completes,
// so a sub-second job can't refire within the same tick.
const MinRefireGap = 2 * time.Second

// TopOfHourStagger is the deterministic spread applied to cron expressions
// pinned to the top of the hour.
const TopOfHourStagger = 5 * time.Minute

// Kind tags which schedule variant a job carries.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// Schedule is the tagged-variant type for a job's fire policy.
type Schedule struct {
	Kind Kind

	// KindAt
	At time.Time

	// KindEvery
	EveryMs  int64
	AnchorMs int64

	// KindCron
	Expr      string
	TZ        string
	StaggerMs *int64 // nil = default stagger rule applies; explicit 0 = exact
}

// RetryConfig governs retry attempts for a failed cron run.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches internal/config.CronConfig's documented
// defaults (max_retries=3, retry_base_delay=2s, retry_max_delay=30s).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// BackoffDelay returns the delay before retry attempt n (1-indexed),
// capped at MaxDelay, doubling each attempt.
func (rc RetryConfig) BackoffDelay(attempt int) time.Duration {
	d := rc.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	if d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d
}

// NextFire computes the next fire time strictly after `after`; the result
// is always strictly greater than `after` (strictly monotone).
// jobID is used only for KindCron's top-of-hour stagger hash.
func NextFire(sched Schedule, jobID string, after time.Time) (time.Time, error) {
	switch sched.Kind {
	case KindAt:
		if sched.At.After(after) {
			return sched.At, nil
		}
		return time.Time{}, fmt.Errorf("cron: one-shot schedule already due or past")

	case KindEvery:
		if sched.EveryMs <= 0 {
			return time.Time{}, fmt.Errorf("cron: everyMs must be positive")
		}
		period := time.Duration(sched.EveryMs) * time.Millisecond
		anchor := time.UnixMilli(sched.AnchorMs)
		if sched.AnchorMs == 0 {
			anchor = after
		}
		elapsed := after.Sub(anchor)
		n := elapsed/period + 1
		next := anchor.Add(time.Duration(n) * period)
		for !next.After(after) {
			next = next.Add(period)
		}
		return next, nil

	case KindCron:
		return nextCronFire(sched, jobID, after)

	default:
		return time.Time{}, fmt.Errorf("cron: unknown schedule kind %q", sched.Kind)
	}
}

func nextCronFire(sched Schedule, jobID string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if sched.TZ != "" {
		l, err := time.LoadLocation(sched.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: invalid tz %q: %w", sched.TZ, err)
		}
		loc = l
	}

	ref := after.In(loc)
	// gronx.NextTickAfter retries are bounded: "if the underlying cron
	// library returns undefined for the current timestamp, retry starting
	// one second later".
	var next time.Time
	var err error
	for i := 0; i < 3; i++ {
		next, err = gronx.NextTickAfter(sched.Expr, ref, false)
		if err == nil {
			break
		}
		ref = ref.Add(time.Second)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: compute next tick for %q: %w", sched.Expr, err)
	}

	if isTopOfHour(sched.Expr) {
		stagger := resolveStagger(sched, jobID)
		next = next.Add(stagger)
	}

	return next, nil
}

// isTopOfHour reports whether a cron expression's minute field is "0", i.e.
// it fires on the hour (whatever its hour, day or month fields say) — the
// case that defaults to a deterministic stagger.
func isTopOfHour(expr string) bool {
	fields := splitFields(expr)
	if len(fields) < 2 {
		return false
	}
	return fields[0] == "0"
}

func splitFields(expr string) []string {
	var fields []string
	start := 0
	for i := 0; i <= len(expr); i++ {
		if i == len(expr) || expr[i] == ' ' {
			if i > start {
				fields = append(fields, expr[start:i])
			}
			start = i + 1
		}
	}
	return fields
}

// resolveStagger derives the jitter applied to a top-of-hour cron
// expression: explicit staggerMs wins (0 means exact); otherwise a
// deterministic hash of the job id spreads it across TopOfHourStagger.
func resolveStagger(sched Schedule, jobID string) time.Duration {
	if sched.StaggerMs != nil {
		return time.Duration(*sched.StaggerMs) * time.Millisecond
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	frac := float64(h.Sum32()%10000) / 10000.0
	return time.Duration(frac * float64(TopOfHourStagger))
}

// AdvanceAfterRun computes the next fire time for a job that just
// completed, applying the anti-spin floor.
func AdvanceAfterRun(sched Schedule, jobID string, endedAt time.Time) (time.Time, error) {
	floor := endedAt.Add(MinRefireGap)
	next, err := NextFire(sched, jobID, floor.Add(-time.Nanosecond))
	if err != nil {
		return time.Time{}, err
	}
	if !next.After(floor.Add(-time.Nanosecond)) {
		next = floor
	}
	return next, nil
}
