package methods

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/store"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// CronMethods implements the cron scheduler RPC surface: cron.list,
// cron.create, cron.update, cron.delete, cron.toggle, cron.status, cron.run,
// cron.runs. Persistence and timer arming live in store.CronStore/cron.Engine;
// this package only translates wire params to those calls.
type CronMethods struct {
	Store  store.CronStore
	Engine *cron.Engine
	Events bus.EventPublisher
}

// NewCronMethods builds a CronMethods handler. events (may be nil) broadcasts
// cron.* lifecycle events after create/update/delete/toggle/run.
func NewCronMethods(st store.CronStore, engine *cron.Engine, events bus.EventPublisher) *CronMethods {
	return &CronMethods{Store: st, Engine: engine, Events: events}
}

// Register binds cron.* methods onto router.
func (c *CronMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodCronList, c.handleList)
	router.Register(protocol.MethodCronCreate, c.handleCreate)
	router.Register(protocol.MethodCronUpdate, c.handleUpdate)
	router.Register(protocol.MethodCronDelete, c.handleDelete)
	router.Register(protocol.MethodCronToggle, c.handleToggle)
	router.Register(protocol.MethodCronStatus, c.handleStatus)
	router.Register(protocol.MethodCronRun, c.handleRun)
	router.Register(protocol.MethodCronRuns, c.handleRuns)
}

type scheduleParams struct {
	Kind      string `json:"kind"`
	At        string `json:"at,omitempty"`
	EveryMs   int64  `json:"everyMs,omitempty"`
	AnchorMs  int64  `json:"anchorMs,omitempty"`
	Expr      string `json:"expr,omitempty"`
	TZ        string `json:"tz,omitempty"`
	StaggerMs *int64 `json:"staggerMs,omitempty"`
}

func (p scheduleParams) toSchedule() cron.Schedule {
	sched := cron.Schedule{
		Kind:      cron.Kind(p.Kind),
		EveryMs:   p.EveryMs,
		AnchorMs:  p.AnchorMs,
		Expr:      p.Expr,
		TZ:        p.TZ,
		StaggerMs: p.StaggerMs,
	}
	if p.At != "" {
		if t, err := time.Parse(time.RFC3339, p.At); err == nil {
			sched.At = t
		}
	}
	return sched
}

func fromSchedule(s cron.Schedule) scheduleParams {
	p := scheduleParams{
		Kind:      string(s.Kind),
		EveryMs:   s.EveryMs,
		AnchorMs:  s.AnchorMs,
		Expr:      s.Expr,
		TZ:        s.TZ,
		StaggerMs: s.StaggerMs,
	}
	if !s.At.IsZero() {
		p.At = s.At.Format(time.RFC3339)
	}
	return p
}

type payloadParams struct {
	Kind                       string `json:"kind"`
	Text                       string `json:"text,omitempty"`
	Message                    string `json:"message,omitempty"`
	TimeoutSeconds             int    `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent bool   `json:"allowUnsafeExternalContent,omitempty"`
}

func (p payloadParams) toPayload() store.CronPayload {
	return store.CronPayload{
		Kind:                       store.PayloadKind(p.Kind),
		Text:                       p.Text,
		Message:                    p.Message,
		TimeoutSeconds:             p.TimeoutSeconds,
		AllowUnsafeExternalContent: p.AllowUnsafeExternalContent,
	}
}

func fromPayload(pl store.CronPayload) payloadParams {
	return payloadParams{
		Kind:                       string(pl.Kind),
		Text:                       pl.Text,
		Message:                    pl.Message,
		TimeoutSeconds:             pl.TimeoutSeconds,
		AllowUnsafeExternalContent: pl.AllowUnsafeExternalContent,
	}
}

type deliveryParams struct {
	Mode       string `json:"mode"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

func (p deliveryParams) toDelivery() store.CronDelivery {
	return store.CronDelivery{
		Mode:       store.DeliveryMode(p.Mode),
		Channel:    p.Channel,
		To:         p.To,
		BestEffort: p.BestEffort,
	}
}

func fromDelivery(d store.CronDelivery) deliveryParams {
	return deliveryParams{
		Mode:       string(d.Mode),
		Channel:    d.Channel,
		To:         d.To,
		BestEffort: d.BestEffort,
	}
}

func jobToMap(j *store.CronJob) map[string]interface{} {
	return map[string]interface{}{
		"id":             j.ID,
		"name":           j.Name,
		"enabled":        j.IsEnabled(),
		"deleteAfterRun": j.DeleteAfterRun,
		"createdAtMs":    j.CreatedAtMs,
		"updatedAtMs":    j.UpdatedAtMs,
		"schedule":       fromSchedule(j.Schedule),
		"sessionTarget":  string(j.SessionTarget),
		"wakeMode":       string(j.WakeMode),
		"payload":        fromPayload(j.Payload),
		"delivery":       fromDelivery(j.Delivery),
		"state": map[string]interface{}{
			"nextRunAtMs":     j.State.NextRunAtMs,
			"lastRunAtMs":     j.State.LastRunAtMs,
			"lastDurationMs":  j.State.LastDurationMs,
			"lastStatus":      string(j.State.LastStatus),
			"lastError":       j.State.LastError,
			"cooldownUntilMs": j.State.CooldownUntilMs,
		},
	}
}

func (c *CronMethods) broadcast(subtype, jobID string) {
	if c.Events == nil {
		return
	}
	c.Events.Broadcast(bus.Event{
		Name:    protocol.EventCron,
		Payload: map[string]interface{}{"type": subtype, "jobId": jobID},
	})
}

func (c *CronMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	jobs := c.Store.List()
	out := make([]map[string]interface{}, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToMap(j))
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"jobs": out}))
}

type createParams struct {
	Name           string         `json:"name"`
	DeleteAfterRun bool           `json:"deleteAfterRun"`
	Schedule       scheduleParams `json:"schedule"`
	SessionTarget  string         `json:"sessionTarget"`
	WakeMode       string         `json:"wakeMode"`
	Payload        payloadParams  `json:"payload"`
	Delivery       deliveryParams `json:"delivery"`
}

func (c *CronMethods) handleCreate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p createParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if p.Name == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "name is required"))
		return
	}

	sched := p.Schedule.toSchedule()
	now := time.Now()
	nextRun, err := cron.NextFire(sched, "", now)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid schedule: "+err.Error()))
		return
	}

	sessionTarget := store.SessionTarget(p.SessionTarget)
	if sessionTarget == "" {
		sessionTarget = store.SessionTargetIsolated
	}
	wakeMode := store.WakeMode(p.WakeMode)
	if wakeMode == "" {
		wakeMode = store.WakeNow
	}

	job := &store.CronJob{
		ID:             uuid.NewString(),
		Name:           p.Name,
		DeleteAfterRun: p.DeleteAfterRun,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		Schedule:       sched,
		SessionTarget:  sessionTarget,
		WakeMode:       wakeMode,
		Payload:        p.Payload.toPayload(),
		Delivery:       p.Delivery.toDelivery(),
		State:          store.CronState{NextRunAtMs: nextRun.UnixMilli()},
	}
	if err := c.Store.Add(job); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	c.broadcast("created", job.ID)
	client.SendResponse(protocol.NewOKResponse(req.ID, jobToMap(job)))
}

type updateParams struct {
	ID             string          `json:"id"`
	Name           *string         `json:"name,omitempty"`
	DeleteAfterRun *bool           `json:"deleteAfterRun,omitempty"`
	Schedule       *scheduleParams `json:"schedule,omitempty"`
	SessionTarget  *string         `json:"sessionTarget,omitempty"`
	WakeMode       *string         `json:"wakeMode,omitempty"`
	Payload        *payloadParams  `json:"payload,omitempty"`
	Delivery       *deliveryParams `json:"delivery,omitempty"`
}

func (c *CronMethods) handleUpdate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p updateParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	job, ok := c.Store.Get(p.ID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown job id"))
		return
	}

	if p.Name != nil {
		job.Name = *p.Name
	}
	if p.DeleteAfterRun != nil {
		job.DeleteAfterRun = *p.DeleteAfterRun
	}
	if p.SessionTarget != nil {
		job.SessionTarget = store.SessionTarget(*p.SessionTarget)
	}
	if p.WakeMode != nil {
		job.WakeMode = store.WakeMode(*p.WakeMode)
	}
	if p.Payload != nil {
		job.Payload = p.Payload.toPayload()
	}
	if p.Delivery != nil {
		job.Delivery = p.Delivery.toDelivery()
	}
	if p.Schedule != nil {
		sched := p.Schedule.toSchedule()
		nextRun, err := cron.NextFire(sched, job.ID, time.Now())
		if err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid schedule: "+err.Error()))
			return
		}
		job.Schedule = sched
		job.State.NextRunAtMs = nextRun.UnixMilli()
	}
	job.UpdatedAtMs = time.Now().UnixMilli()

	if err := c.Store.Update(job); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	c.broadcast("updated", job.ID)
	client.SendResponse(protocol.NewOKResponse(req.ID, jobToMap(job)))
}

type idParams struct {
	ID string `json:"id"`
}

func (c *CronMethods) handleDelete(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p idParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if _, ok := c.Store.Get(p.ID); !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown job id"))
		return
	}
	if err := c.Store.Delete(p.ID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	c.broadcast("deleted", p.ID)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"deleted": true}))
}

type toggleParams struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

func (c *CronMethods) handleToggle(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p toggleParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	job, ok := c.Store.Get(p.ID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown job id"))
		return
	}
	enabled := p.Enabled
	job.Enabled = &enabled
	job.UpdatedAtMs = time.Now().UnixMilli()
	if enabled && job.State.NextRunAtMs == 0 {
		if nextRun, err := cron.NextFire(job.Schedule, job.ID, time.Now()); err == nil {
			job.State.NextRunAtMs = nextRun.UnixMilli()
		}
	}
	if err := c.Store.Update(job); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	c.broadcast("toggled", job.ID)
	client.SendResponse(protocol.NewOKResponse(req.ID, jobToMap(job)))
}

func (c *CronMethods) handleStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p idParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	job, ok := c.Store.Get(p.ID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown job id"))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, jobToMap(job)))
}

func (c *CronMethods) handleRun(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p idParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if _, ok := c.Store.Get(p.ID); !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown job id"))
		return
	}
	outcome := c.Engine.Run(ctx, p.ID)
	c.broadcast("ran", p.ID)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"ran":    outcome.Ran,
		"reason": outcome.Reason,
	}))
}

func (c *CronMethods) handleRuns(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p idParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	job, ok := c.Store.Get(p.ID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown job id"))
		return
	}
	// CronStore only retains the most recent run in CronState; a fuller
	// history store is an Open Question left to a future persistence layer.
	runs := []map[string]interface{}{}
	if job.State.LastRunAtMs != 0 {
		runs = append(runs, map[string]interface{}{
			"startedAt":  job.State.LastRunAtMs,
			"durationMs": job.State.LastDurationMs,
			"status":     string(job.State.LastStatus),
			"error":      job.State.LastError,
		})
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"jobId": p.ID, "runs": runs}))
}
