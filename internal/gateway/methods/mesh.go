package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/mesh"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// planRun tracks one in-flight (or completed) plan execution.
type planRun struct {
	plan     mesh.Plan
	statuses map[string]mesh.Status
	errors   map[string]string
}

// MeshMethods implements the multi-step workflow DAG RPC surface: mesh.run,
// mesh.status, mesh.retry, mesh.validate. StepRunner supplies the actual
// per-step agent invocation so this package stays decoupled from agent/
// provider wiring.
type MeshMethods struct {
	Run         mesh.StepRunner
	Events      bus.EventPublisher
	MaxParallel int

	mu   sync.Mutex
	runs map[string]*planRun
}

// NewMeshMethods builds a MeshMethods handler. run supplies the per-step
// agent invocation; events (may be nil) broadcasts mesh.* lifecycle events.
func NewMeshMethods(run mesh.StepRunner, events bus.EventPublisher, maxParallel int) *MeshMethods {
	return &MeshMethods{Run: run, Events: events, MaxParallel: maxParallel, runs: make(map[string]*planRun)}
}

// Register binds mesh.* methods onto router.
func (m *MeshMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodMeshRun, m.handleRun)
	router.Register(protocol.MethodMeshStatus, m.handleStatus)
	router.Register(protocol.MethodMeshRetry, m.handleRetry)
	router.Register(protocol.MethodMeshValidate, m.handleValidate)
}

type planParams struct {
	ID    string      `json:"id"`
	Steps []stepParam `json:"steps"`
}

type stepParam struct {
	ID              string   `json:"id"`
	Prompt          string   `json:"prompt"`
	DependsOn       []string `json:"dependsOn"`
	AgentID         string   `json:"agentId"`
	SessionKey      string   `json:"sessionKey"`
	ContinueOnError bool     `json:"continueOnError"`
}

func toPlan(p planParams) mesh.Plan {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	steps := make([]mesh.Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		steps = append(steps, mesh.Step{
			ID:              s.ID,
			Prompt:          s.Prompt,
			DependsOn:       s.DependsOn,
			AgentID:         s.AgentID,
			SessionKey:      s.SessionKey,
			ContinueOnError: s.ContinueOnError,
		})
	}
	return mesh.Plan{ID: id, Steps: steps}
}

func (m *MeshMethods) handleValidate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p planParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	plan := toPlan(p)
	if err := mesh.Validate(plan); err != nil {
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"valid": false, "error": err.Error()}))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"valid": true, "planId": plan.ID}))
}

func (m *MeshMethods) handleRun(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p planParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	plan := toPlan(p)
	if err := mesh.Validate(plan); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	run := &planRun{plan: plan, statuses: make(map[string]mesh.Status), errors: make(map[string]string)}
	for _, s := range plan.Steps {
		run.statuses[s.ID] = mesh.StatusPending
	}
	m.mu.Lock()
	m.runs[plan.ID] = run
	m.mu.Unlock()

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"planId": plan.ID, "status": "started"}))
	go m.execute(plan, run)
}

func (m *MeshMethods) execute(plan mesh.Plan, run *planRun) {
	m.mu.Lock()
	initial := make(map[string]mesh.Status, len(run.statuses))
	for id, st := range run.statuses {
		initial[id] = st
	}
	m.mu.Unlock()

	ex := mesh.NewExecutorFromState(plan, m.Run, m.MaxParallel, func(r mesh.StepResult) {
		m.mu.Lock()
		run.statuses[r.StepID] = r.Status
		if r.Error != "" {
			run.errors[r.StepID] = r.Error
		}
		m.mu.Unlock()
		m.broadcastStep(plan.ID, r)
	}, initial)

	ctx := context.Background()
	if _, err := ex.Run(ctx); err != nil {
		slog.Error("mesh.run", "planId", plan.ID, "error", err)
		return
	}
	m.broadcastPlanCompleted(plan.ID)
}

func (m *MeshMethods) broadcastStep(planID string, r mesh.StepResult) {
	if m.Events == nil {
		return
	}
	subtype := stepEventSubtype(r.Status)
	if subtype == "" {
		return
	}
	m.Events.Broadcast(bus.Event{
		Name: protocol.EventMesh,
		Payload: map[string]interface{}{
			"type":   subtype,
			"planId": planID,
			"stepId": r.StepID,
			"status": string(r.Status),
			"error":  r.Error,
		},
	})
}

func stepEventSubtype(status mesh.Status) string {
	switch status {
	case mesh.StatusRunning:
		return protocol.MeshEventStepStarted
	case mesh.StatusSucceeded:
		return protocol.MeshEventStepSucceeded
	case mesh.StatusFailed:
		return protocol.MeshEventStepFailed
	case mesh.StatusSkipped:
		return protocol.MeshEventStepSkipped
	default:
		return ""
	}
}

func (m *MeshMethods) broadcastPlanCompleted(planID string) {
	if m.Events == nil {
		return
	}
	m.Events.Broadcast(bus.Event{
		Name:    protocol.EventMesh,
		Payload: map[string]interface{}{"type": protocol.MeshEventPlanCompleted, "planId": planID},
	})
}

type statusParams struct {
	PlanID string `json:"planId"`
}

func (m *MeshMethods) handleStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p statusParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}

	m.mu.Lock()
	run, ok := m.runs[p.PlanID]
	m.mu.Unlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown planId"))
		return
	}

	m.mu.Lock()
	statuses := make(map[string]string, len(run.statuses))
	for id, st := range run.statuses {
		statuses[id] = string(st)
	}
	errs := make(map[string]string, len(run.errors))
	for id, e := range run.errors {
		errs[id] = e
	}
	m.mu.Unlock()

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"planId": p.PlanID, "steps": statuses, "errors": errs}))
}

type retryParams struct {
	PlanID string   `json:"planId"`
	Steps  []string `json:"steps"`
}

func (m *MeshMethods) handleRetry(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p retryParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}

	m.mu.Lock()
	run, ok := m.runs[p.PlanID]
	m.mu.Unlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown planId"))
		return
	}

	m.mu.Lock()
	snapshot := make(map[string]mesh.Status, len(run.statuses))
	for id, st := range run.statuses {
		snapshot[id] = st
	}
	next := mesh.ResetForRetry(run.plan, snapshot, p.Steps)
	run.statuses = next
	for id := range run.statuses {
		if run.statuses[id] == mesh.StatusPending {
			delete(run.errors, id)
		}
	}
	m.mu.Unlock()

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"planId": p.PlanID, "status": "retrying"}))
	go m.execute(run.plan, run)
}
