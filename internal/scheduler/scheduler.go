// Package scheduler serializes agent runs per session key and caps
// concurrency per lane, routing every run through a single caller-supplied
// RunFunc (cmd/gateway.go binds this to the agent.Router).
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/openclaw/openclaw/internal/agent"
)

// Lane tags the origin of a scheduled run, used for diagnostics and for
// cancellation scoping (cmd/gateway_consumer.go's /stop vs /stopall).
type Lane string

const (
	LaneMain     Lane = "main"
	LaneCron     Lane = "cron"
	LaneSubagent Lane = "subagent"
	LaneDelegate Lane = "delegate"
)

// RunFunc resolves req.SessionKey to an agent and executes it. Supplied once
// at construction time via New.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// RunResult is delivered on the channel returned by Schedule.
type RunResult struct {
	RunID  string
	Result *agent.RunResult
	Err    error
}

// ScheduleOpts carries optional per-call overrides.
type ScheduleOpts struct {
	// MaxConcurrent bounds how many runs in this lane may be in flight at
	// once across all session keys. 0 = unbounded.
	MaxConcurrent int
}

// TokenEstimateFunc reports (estimatedPromptTokens, contextWindow) for a
// session, used to throttle concurrency as a session nears its summary
// threshold. Optional; set via SetTokenEstimateFunc.
type TokenEstimateFunc func(sessionKey string) (tokens, contextWindow int)

// sessionSlot serializes runs for one SessionKey.
type sessionSlot struct {
	mu     sync.Mutex // held for the duration of one run
	cancel map[string]context.CancelFunc
	cmu    sync.Mutex
}

// Scheduler is the single process-wide run scheduler. Within one
// SessionKey, runs execute strictly sequentially; across SessionKeys
// concurrency is bounded only by each lane's MaxConcurrent.
type Scheduler struct {
	run RunFunc

	mu       sync.Mutex
	sessions map[string]*sessionSlot
	laneSem  map[Lane]chan struct{}

	tokenEstimate TokenEstimateFunc

	closed chan struct{}
	once   sync.Once
}

// New builds a Scheduler that executes every scheduled run through runFunc.
func New(runFunc RunFunc) *Scheduler {
	return &Scheduler{
		run:      runFunc,
		sessions: map[string]*sessionSlot{},
		laneSem:  map[Lane]chan struct{}{},
		closed:   make(chan struct{}),
	}
}

// SetTokenEstimateFunc installs an optional estimator consulted before each
// run to log/throttle sessions approaching their context window. Scheduler
// itself does not act on it beyond exposing EstimateLoad; callers that want
// adaptive throttling use it from their RunFunc.
func (s *Scheduler) SetTokenEstimateFunc(fn TokenEstimateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenEstimate = fn
}

// EstimateLoad returns the installed TokenEstimateFunc's estimate for
// sessionKey, or (0, 0) if none is installed.
func (s *Scheduler) EstimateLoad(sessionKey string) (tokens, contextWindow int) {
	s.mu.Lock()
	fn := s.tokenEstimate
	s.mu.Unlock()
	if fn == nil {
		return 0, 0
	}
	return fn(sessionKey)
}

func (s *Scheduler) slotFor(sessionKey string) *sessionSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.sessions[sessionKey]
	if !ok {
		slot = &sessionSlot{cancel: map[string]context.CancelFunc{}}
		s.sessions[sessionKey] = slot
	}
	return slot
}

func (s *Scheduler) semFor(lane Lane, maxConcurrent int) chan struct{} {
	if maxConcurrent <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.laneSem[lane]
	if !ok {
		sem = make(chan struct{}, maxConcurrent)
		s.laneSem[lane] = sem
	}
	return sem
}

// Schedule enqueues req, blocking until any prior non-terminal run for
// req.SessionKey has finished, then runs it via the scheduler's RunFunc. It
// returns immediately with a channel that receives exactly one RunResult.
func (s *Scheduler) Schedule(ctx context.Context, lane Lane, req agent.RunRequest) <-chan RunResult {
	return s.ScheduleWithOpts(ctx, lane, req, ScheduleOpts{})
}

// ScheduleWithOpts is Schedule with an explicit ScheduleOpts (lane
// concurrency cap).
func (s *Scheduler) ScheduleWithOpts(ctx context.Context, lane Lane, req agent.RunRequest, opts ScheduleOpts) <-chan RunResult {
	resultCh := make(chan RunResult, 1)
	slot := s.slotFor(req.SessionKey)
	sem := s.semFor(lane, opts.MaxConcurrent)

	runCtx, cancel := context.WithCancel(ctx)
	slot.cmu.Lock()
	slot.cancel[req.RunID] = cancel
	slot.cmu.Unlock()

	go func() {
		if sem != nil {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				s.clearCancel(slot, req.RunID)
				resultCh <- RunResult{RunID: req.RunID, Err: runCtx.Err()}
				close(resultCh)
				return
			}
		}

		slot.mu.Lock()
		defer slot.mu.Unlock()

		val, err := s.run(runCtx, req)
		s.clearCancel(slot, req.RunID)
		resultCh <- RunResult{RunID: req.RunID, Result: val, Err: err}
		close(resultCh)
	}()

	return resultCh
}

func (s *Scheduler) clearCancel(slot *sessionSlot, runID string) {
	slot.cmu.Lock()
	delete(slot.cancel, runID)
	slot.cmu.Unlock()
}

// CancelOneSession cancels the run identified by runID for sessionKey, if
// still in flight. Cancelling an in-flight run twice has no further effect;
// once the run has delivered its result, an error is returned.
func (s *Scheduler) CancelOneSession(sessionKey, runID string) error {
	slot := s.slotFor(sessionKey)
	slot.cmu.Lock()
	defer slot.cmu.Unlock()
	cancel, ok := slot.cancel[runID]
	if !ok {
		return fmt.Errorf("scheduler: no in-flight run %q for session %q", runID, sessionKey)
	}
	cancel()
	return nil
}

// CancelSession cancels every in-flight run for sessionKey.
func (s *Scheduler) CancelSession(sessionKey string) int {
	slot := s.slotFor(sessionKey)
	slot.cmu.Lock()
	defer slot.cmu.Unlock()
	n := 0
	for _, cancel := range slot.cancel {
		cancel()
		n++
	}
	return n
}

// Stop marks the scheduler as shutting down. In-flight runs are left to
// finish; new calls to Schedule still work (callers stop issuing them as
// part of the same shutdown sequence that calls Stop).
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.closed) })
}
