// Package mesh implements the multi-step workflow DAG executor: validate a
// plan (unique ids, acyclic, dependencies exist), run ready steps up to
// maxParallel, skip steps whose dependencies failed, and support re-driving
// a subset of steps on retry.
//
// Grounded on internal/tools/delegate.go's single-step "invoke agent then
// wait" call shape (DelegationTask lifecycle, status strings) generalized
// from one delegation into a DAG of them; no direct teacher prior art for
// the DAG scheduling itself.
package mesh

import (
	"context"
	"fmt"
	"sync"
)

// Status mirrors the step/plan lifecycle states names.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Step is one node of a mesh plan.
type Step struct {
	ID                string
	Prompt            string
	DependsOn         []string
	AgentID           string
	SessionKey        string
	Thinking          string
	TimeoutMs         int
	ContinueOnError   bool
}

// Plan is a DAG of steps, addressed by a plan ID (e.g. a cron job id or an
// RPC-assigned uuid).
type Plan struct {
	ID    string
	Steps []Step
}

// StepResult captures one step's outcome.
type StepResult struct {
	StepID string
	Status Status
	Error  string
}

// StepRunner invokes one step and waits for its outcome. This is the
// external collaborator boundary: the gateway RPC surface (or a direct
// in-process agent.Router) supplies the concrete implementation.
type StepRunner func(ctx context.Context, step Step) (ok bool, errMsg string)

// Validate checks a Plan is well-formed: unique ids, dependencies exist,
// and the dependency graph is acyclic.
func Validate(p Plan) error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("mesh: step has empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("mesh: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("mesh: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	if _, err := topoSort(p); err != nil {
		return err
	}
	return nil
}

// topoSort returns steps in a valid execution order, or an error if the
// dependency graph contains a cycle.
func topoSort(p Plan) ([]Step, error) {
	byID := make(map[string]Step, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.ID] = s
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
	}
	for _, s := range p.Steps {
		indegree[s.ID] += len(s.DependsOn)
	}

	dependents := make(map[string][]string)
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	var order []Step
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, byID[id])
		for _, child := range dependents[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(p.Steps) {
		return nil, fmt.Errorf("mesh: plan contains a dependency cycle")
	}
	return order, nil
}

// Executor drives one plan's steps to completion, capped at maxParallel
// concurrent step runs.
type Executor struct {
	plan       Plan
	run        StepRunner
	maxParallel int

	mu      sync.Mutex
	status  map[string]Status
	errMsg  map[string]string
	onEvent func(StepResult)
}

// NewExecutor builds an Executor for plan with every step starting
// pending, clamping maxParallel to [1,16] with a default of 2.
func NewExecutor(plan Plan, run StepRunner, maxParallel int, onEvent func(StepResult)) *Executor {
	return NewExecutorFromState(plan, run, maxParallel, onEvent, nil)
}

// NewExecutorFromState builds an Executor seeded with initial per-step
// statuses (e.g. for a retry that should skip already-succeeded steps).
// Steps absent from initial, or initial itself being nil, start pending.
func NewExecutorFromState(plan Plan, run StepRunner, maxParallel int, onEvent func(StepResult), initial map[string]Status) *Executor {
	if maxParallel <= 0 {
		maxParallel = 2
	}
	if maxParallel > 16 {
		maxParallel = 16
	}
	status := make(map[string]Status, len(plan.Steps))
	for _, s := range plan.Steps {
		if st, ok := initial[s.ID]; ok {
			status[s.ID] = st
		} else {
			status[s.ID] = StatusPending
		}
	}
	return &Executor{
		plan:        plan,
		run:         run,
		maxParallel: maxParallel,
		status:      status,
		errMsg:      make(map[string]string),
		onEvent:     onEvent,
	}
}

// Run drives the plan to completion: steps become ready once all
// dependencies succeed, are skipped if any dependency failed or was
// skipped (unless the step sets ContinueOnError), and run concurrently up
// to maxParallel. Returns the final per-step results.
func (e *Executor) Run(ctx context.Context) (map[string]StepResult, error) {
	if err := Validate(e.plan); err != nil {
		return nil, err
	}

	byID := make(map[string]Step, len(e.plan.Steps))
	for _, s := range e.plan.Steps {
		byID[s.ID] = s
	}

	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	results := make(map[string]StepResult, len(e.plan.Steps))
	var resMu sync.Mutex

	var scheduleReady func()
	var mu sync.Mutex

	scheduleReady = func() {
		mu.Lock()
		defer mu.Unlock()

		for _, s := range e.plan.Steps {
			e.mu.Lock()
			st := e.status[s.ID]
			e.mu.Unlock()
			if st != StatusPending {
				continue
			}

			depState, done := e.dependencyState(s)
			if !done {
				continue
			}
			if depState == StatusFailed && !s.ContinueOnError {
				e.setStatus(s.ID, StatusSkipped, "")
				resMu.Lock()
				results[s.ID] = StepResult{StepID: s.ID, Status: StatusSkipped}
				resMu.Unlock()
				continue
			}

			e.setStatus(s.ID, StatusRunning, "")
			wg.Add(1)
			sem <- struct{}{}
			go func(step Step) {
				defer wg.Done()

				ok, errMsg := e.run(ctx, step)
				if ok {
					e.setStatus(step.ID, StatusSucceeded, "")
				} else {
					e.setStatus(step.ID, StatusFailed, errMsg)
				}
				resMu.Lock()
				results[step.ID] = StepResult{StepID: step.ID, Status: e.statusOf(step.ID), Error: errMsg}
				resMu.Unlock()

				// Free this step's slot before scheduling successors:
				// scheduleReady may be blocked on sem while holding mu.
				<-sem
				scheduleReady()
			}(s)
		}
	}

	scheduleReady()
	wg.Wait()

	return results, nil
}

// dependencyState reports whether step's dependencies have settled for the
// skip-on-failure rule: StatusFailed as soon as any dependency failed or was
// skipped, StatusSucceeded once all succeeded, and done=false while one is
// still not terminal.
func (e *Executor) dependencyState(s Step) (Status, bool) {
	allSucceeded := true
	for _, dep := range s.DependsOn {
		st := e.statusOf(dep)
		switch st {
		case StatusSucceeded:
		case StatusFailed, StatusSkipped:
			return StatusFailed, true
		default:
			return "", false // dependency not yet terminal
		}
	}
	if allSucceeded {
		return StatusSucceeded, true
	}
	return "", false
}

func (e *Executor) setStatus(id string, st Status, errMsg string) {
	e.mu.Lock()
	e.status[id] = st
	if errMsg != "" {
		e.errMsg[id] = errMsg
	}
	e.mu.Unlock()
	if e.onEvent != nil {
		e.onEvent(StepResult{StepID: id, Status: st, Error: errMsg})
	}
}

func (e *Executor) statusOf(id string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status[id]
}

// ResetForRetry marks stepIDs (and their transitive descendants) pending
// again so a subsequent Run re-drives them. If stepIDs is empty, all
// failed/skipped steps and their descendants reset. An explicitly named
// step resets regardless of its prior status, including one that already
// succeeded.
func ResetForRetry(plan Plan, statuses map[string]Status, stepIDs []string) map[string]Status {
	dependents := make(map[string][]string)
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	roots := stepIDs
	if len(roots) == 0 {
		for id, st := range statuses {
			if st == StatusFailed || st == StatusSkipped {
				roots = append(roots, id)
			}
		}
	}

	next := make(map[string]Status, len(statuses))
	for id, st := range statuses {
		next[id] = st
	}

	var mark func(id string)
	mark = func(id string) {
		next[id] = StatusPending
		for _, child := range dependents[id] {
			mark(child)
		}
	}
	for _, id := range roots {
		mark(id)
	}
	return next
}
