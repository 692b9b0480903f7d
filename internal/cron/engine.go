package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/scheduler"
	"github.com/openclaw/openclaw/internal/store"
)

// Fire invokes one job's payload and returns its outcome. The concrete
// implementation (system-event enqueue vs. isolated agent turn vs.
// announce/webhook delivery) is supplied by the caller — the engine only
// owns timing, concurrency capping, and persistence.
type Fire func(ctx context.Context, job *store.CronJob) store.CronJobResult

// Engine is the single master-timer cron scheduler.
type Engine struct {
	store     store.CronStore
	sched     *scheduler.Scheduler
	fire      Fire
	maxConcurrent int
	clock     func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewEngine builds a cron Engine. maxConcurrent bounds same-tick batch
// concurrency (0 = unbounded,).
func NewEngine(st store.CronStore, sched *scheduler.Scheduler, fire Fire, maxConcurrent int) *Engine {
	return &Engine{store: st, sched: sched, fire: fire, maxConcurrent: maxConcurrent, clock: time.Now}
}

// Start arms the master timer and begins ticking. Call once at startup.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()
	e.rearm(ctx)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
}

// rearm computes the delay until the next due job (capped at
// MaxTimerDelay) and schedules the next tick.
func (e *Engine) rearm(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	delay := e.nextDelay()
	e.timer = time.AfterFunc(delay, func() { e.tick(ctx) })
	e.mu.Unlock()
}

func (e *Engine) nextDelay() time.Duration {
	now := e.clock()
	best := MaxTimerDelay
	for _, j := range e.store.List() {
		if !j.IsEnabled() {
			continue
		}
		if j.State.NextRunAtMs == 0 {
			continue
		}
		due := time.UnixMilli(j.State.NextRunAtMs)
		d := due.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < best {
			best = d
		}
	}
	return best
}

// tick collects all due jobs and runs them in start-time order, then
// re-arms.
func (e *Engine) tick(ctx context.Context) {
	now := e.clock()
	var due []*store.CronJob
	for _, j := range e.store.List() {
		if !j.IsEnabled() {
			continue
		}
		if j.State.NextRunAtMs != 0 && j.State.NextRunAtMs <= now.UnixMilli() {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].State.NextRunAtMs < due[k].State.NextRunAtMs })

	var wg sync.WaitGroup
	var sem chan struct{}
	if e.maxConcurrent > 0 {
		sem = make(chan struct{}, e.maxConcurrent)
	}

	for _, job := range due {
		wg.Add(1)
		go func(job *store.CronJob) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			e.runOne(ctx, job)
		}(job)
	}
	wg.Wait()

	e.rearm(ctx)
}

// Run implements `run(jobId, cause)`: runs immediately unless
// already running.
func (e *Engine) Run(ctx context.Context, jobID string) store.RunOutcome {
	job, ok := e.store.Get(jobID)
	if !ok {
		return store.RunOutcome{Ran: false, Reason: "not-found"}
	}
	if !e.store.MarkRunning(jobID) {
		return store.RunOutcome{Ran: false, Reason: "already-running"}
	}
	defer e.store.ClearRunning(jobID)
	e.execute(ctx, job)
	return store.RunOutcome{Ran: true}
}

func (e *Engine) runOne(ctx context.Context, job *store.CronJob) {
	if !e.store.MarkRunning(job.ID) {
		return
	}
	defer e.store.ClearRunning(job.ID)
	e.execute(ctx, job)
}

func (e *Engine) execute(ctx context.Context, job *store.CronJob) {
	startedAt := e.clock()
	result := e.fire(ctx, job)
	endedAt := e.clock()
	result.JobID = job.ID
	result.StartedAt = startedAt.UnixMilli()
	result.EndedAt = endedAt.UnixMilli()

	deliver(ctx, job, result)

	terminal := result.Status == store.CronStatusOK || result.Status == store.CronStatusSkipped || result.Status == store.CronStatusError
	oneShot := job.Schedule.Kind == KindAt

	if oneShot && terminal {
		if job.DeleteAfterRun {
			_ = e.store.Delete(job.ID)
			return
		}
		// One-shot jobs with a terminal lastStatus don't re-fire on
		// restart — leave nextRunAtMs at 0 (no further scheduling).
		e.store.RecordResult(job.ID, result, 0)
		return
	}

	next, err := AdvanceAfterRun(job.Schedule, job.ID, endedAt)
	if err != nil {
		slog.Warn("cron: failed to compute next fire", "job", job.ID, "error", err)
		e.store.RecordResult(job.ID, result, 0)
		return
	}
	e.store.RecordResult(job.ID, result, next.UnixMilli())
}

// deliver routes a job's result per its delivery mode.
// "announce" delivery is the channel adapter's responsibility and is left
// to the caller-supplied Fire to perform inline (it has channel context
// this package does not); this handles the webhook and none cases, which
// are pure infrastructure concerns owned by the engine.
func deliver(ctx context.Context, job *store.CronJob, result store.CronJobResult) {
	switch job.Delivery.Mode {
	case store.DeliveryWebhook:
		deliverWebhook(ctx, job, result)
	case store.DeliveryNone, "":
		// side-effect-free: state already recorded by the caller.
	case store.DeliveryAnnounce:
		// performed by Fire inline; nothing further to do here.
	}
}

func deliverWebhook(ctx context.Context, job *store.CronJob, result store.CronJobResult) {
	to := strings.TrimSpace(job.Delivery.To)
	if !strings.HasPrefix(to, "http://") && !strings.HasPrefix(to, "https://") {
		slog.Warn("cron: webhook delivery rejected, not http(s)", "job", job.ID, "to", to)
		return
	}
	body := webhookBody{
		JobID:      job.ID,
		Name:       job.Name,
		Status:     string(result.Status),
		StartedAt:  result.StartedAt,
		EndedAt:    result.EndedAt,
		DurationMs: result.EndedAt - result.StartedAt,
		Summary:    result.Summary,
		Error:      result.Error,
	}
	if err := postWebhook(ctx, to, body); err != nil {
		if !job.Delivery.BestEffort {
			slog.Warn("cron: webhook delivery failed", "job", job.ID, "error", err)
		}
	}
}

type webhookBody struct {
	JobID      string `json:"jobId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"startedAt"`
	EndedAt    int64  `json:"endedAt"`
	DurationMs int64  `json:"durationMs"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
}

func postWebhook(ctx context.Context, url string, body webhookBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cron: webhook %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
