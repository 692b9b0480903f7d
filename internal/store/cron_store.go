package store

import "github.com/openclaw/openclaw/internal/cron"

// SessionTarget selects whether a cron job's agent turn runs in the
// session's main conversation or an isolated one-off session.
type SessionTarget string

const (
	SessionTargetMain     SessionTarget = "main"
	SessionTargetIsolated SessionTarget = "isolated"
)

// WakeMode controls whether a cron-triggered turn runs immediately or
// waits for the agent's next heartbeat.
type WakeMode string

const (
	WakeNow           WakeMode = "now"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// PayloadKind tags a cron job's payload variant.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

// CronPayload is the tagged-variant payload a cron job fires.
type CronPayload struct {
	Kind PayloadKind

	// PayloadSystemEvent
	Text string

	// PayloadAgentTurn
	Message                    string
	TimeoutSeconds             int // 0 = no timeout
	AllowUnsafeExternalContent bool
}

// DeliveryMode tags how a cron run's result is delivered.
type DeliveryMode string

const (
	DeliveryNone     DeliveryMode = "none"
	DeliveryAnnounce DeliveryMode = "announce"
	DeliveryWebhook  DeliveryMode = "webhook"
)

// CronDelivery configures result delivery for one job.
type CronDelivery struct {
	Mode       DeliveryMode
	Channel    string
	To         string
	BestEffort bool
}

// CronRunStatus is the terminal outcome of the most recent fire.
type CronRunStatus string

const (
	CronStatusOK      CronRunStatus = "ok"
	CronStatusError   CronRunStatus = "error"
	CronStatusSkipped CronRunStatus = "skipped"
)

// CronState is the mutable run-state portion of a CronJob.
type CronState struct {
	NextRunAtMs     int64
	LastRunAtMs     int64
	LastDurationMs  int64
	LastStatus      CronRunStatus
	LastError       string
	CooldownUntilMs int64
}

// CronJob is a persisted scheduled job. Referenced by
// internal/store/stores.go's Stores.Cron field but not defined in the
// retrieved pack — authored from that reference plus JSON schema.
type CronJob struct {
	ID             string
	Name           string
	Enabled        *bool // nil treated as enabled,
	DeleteAfterRun bool
	CreatedAtMs    int64
	UpdatedAtMs    int64
	Schedule       cron.Schedule
	SessionTarget  SessionTarget
	WakeMode       WakeMode
	Payload        CronPayload
	Delivery       CronDelivery
	State          CronState
}

// IsEnabled applies the "missing enabled field means enabled" default.
func (j *CronJob) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// CronJobResult is what one fire of a job reports back to the scheduler.
type CronJobResult struct {
	JobID     string
	Status    CronRunStatus
	Error     string
	StartedAt int64
	EndedAt   int64
	Summary   string
}

// RunOutcome distinguishes "did not run because already running" from an
// actual execution, `run(jobId, cause)`.
type RunOutcome struct {
	Ran    bool
	Reason string // e.g. "already-running"
}

// CronStore persists cron jobs.
type CronStore interface {
	List() []*CronJob
	Get(id string) (*CronJob, bool)
	Add(job *CronJob) error
	Update(job *CronJob) error
	Delete(id string) error
	// MarkRunning/ClearRunning implement the single-flight guard behind
	// run(jobId, cause) -> {ran:false, reason:"already-running"}.
	MarkRunning(id string) bool
	ClearRunning(id string)
	RecordResult(id string, result CronJobResult, nextRunAtMs int64)
}
