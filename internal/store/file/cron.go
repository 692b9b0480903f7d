package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/store"
)

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// cronFileSchema matches cron store JSON layout.
type cronFileSchema struct {
	Version int             `json:"version"`
	Jobs    []cronJobRecord `json:"jobs"`
}

type cronJobRecord struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Enabled        *bool               `json:"enabled,omitempty"`
	DeleteAfterRun bool                `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64               `json:"createdAtMs"`
	UpdatedAtMs    int64               `json:"updatedAtMs"`
	Schedule       scheduleRecord      `json:"schedule"`
	SessionTarget  string              `json:"sessionTarget"`
	WakeMode       string              `json:"wakeMode"`
	Payload        payloadRecord       `json:"payload"`
	Delivery       *deliveryRecord     `json:"delivery,omitempty"`
	State          *stateRecord        `json:"state,omitempty"`
}

type scheduleRecord struct {
	Kind      string `json:"kind"`
	At        string `json:"at,omitempty"`
	EveryMs   int64  `json:"everyMs,omitempty"`
	AnchorMs  int64  `json:"anchorMs,omitempty"`
	Expr      string `json:"expr,omitempty"`
	TZ        string `json:"tz,omitempty"`
	StaggerMs *int64 `json:"staggerMs,omitempty"`
}

type payloadRecord struct {
	Kind                       string `json:"kind"`
	Text                       string `json:"text,omitempty"`
	Message                    string `json:"message,omitempty"`
	TimeoutSeconds             int    `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent bool   `json:"allowUnsafeExternalContent,omitempty"`
}

type deliveryRecord struct {
	Mode       string `json:"mode"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

type stateRecord struct {
	NextRunAtMs     int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs     int64  `json:"lastRunAtMs,omitempty"`
	LastDurationMs  int64  `json:"lastDurationMs,omitempty"`
	LastStatus      string `json:"lastStatus,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	CooldownUntilMs int64  `json:"cooldownUntilMs,omitempty"`
}

// CronStore is an atomic-replace JSON file implementation of store.CronStore,
// mirroring internal/sessions/manager.go's Save (temp-file + os.Rename).
type CronStore struct {
	mu      sync.Mutex
	path    string
	jobs    map[string]*store.CronJob
	running map[string]bool
}

func NewCronStore(path string) (*CronStore, error) {
	s := &CronStore{path: path, jobs: map[string]*store.CronJob{}, running: map[string]bool{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CronStore) load() error {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var f cronFileSchema
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("cron store: parse %s: %w", s.path, err)
	}
	for _, rec := range f.Jobs {
		s.jobs[rec.ID] = fromRecord(rec)
	}
	return nil
}

func (s *CronStore) saveLocked() error {
	f := cronFileSchema{Version: 1}
	for _, j := range s.jobs {
		f.Jobs = append(f.Jobs, toRecord(j))
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".cron-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *CronStore) List() []*store.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *CronStore) Get(id string) (*store.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *CronStore) Add(job *store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("cron store: job %q already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return s.saveLocked()
}

func (s *CronStore) Update(job *store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return s.saveLocked()
}

func (s *CronStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.running, id)
	return s.saveLocked()
}

// MarkRunning implements the single-flight guard for run(jobId, cause).
func (s *CronStore) MarkRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *CronStore) ClearRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

func (s *CronStore) RecordResult(id string, result store.CronJobResult, nextRunAtMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.State.LastRunAtMs = result.StartedAt
	j.State.LastDurationMs = result.EndedAt - result.StartedAt
	j.State.LastStatus = result.Status
	j.State.LastError = result.Error
	j.State.NextRunAtMs = nextRunAtMs
	_ = s.saveLocked()
}

func toRecord(j *store.CronJob) cronJobRecord {
	rec := cronJobRecord{
		ID:             j.ID,
		Name:           j.Name,
		Enabled:        j.Enabled,
		DeleteAfterRun: j.DeleteAfterRun,
		CreatedAtMs:    j.CreatedAtMs,
		UpdatedAtMs:    j.UpdatedAtMs,
		SessionTarget:  string(j.SessionTarget),
		WakeMode:       string(j.WakeMode),
		Payload: payloadRecord{
			Kind:                       string(j.Payload.Kind),
			Text:                       j.Payload.Text,
			Message:                    j.Payload.Message,
			TimeoutSeconds:             j.Payload.TimeoutSeconds,
			AllowUnsafeExternalContent: j.Payload.AllowUnsafeExternalContent,
		},
		State: &stateRecord{
			NextRunAtMs:     j.State.NextRunAtMs,
			LastRunAtMs:     j.State.LastRunAtMs,
			LastDurationMs:  j.State.LastDurationMs,
			LastStatus:      string(j.State.LastStatus),
			LastError:       j.State.LastError,
			CooldownUntilMs: j.State.CooldownUntilMs,
		},
	}
	rec.Schedule = scheduleRecord{
		Kind:      string(j.Schedule.Kind),
		EveryMs:   j.Schedule.EveryMs,
		AnchorMs:  j.Schedule.AnchorMs,
		Expr:      j.Schedule.Expr,
		TZ:        j.Schedule.TZ,
		StaggerMs: j.Schedule.StaggerMs,
	}
	if !j.Schedule.At.IsZero() {
		rec.Schedule.At = j.Schedule.At.Format("2006-01-02T15:04:05Z07:00")
	}
	if j.Delivery.Mode != "" {
		rec.Delivery = &deliveryRecord{
			Mode:       string(j.Delivery.Mode),
			Channel:    j.Delivery.Channel,
			To:         j.Delivery.To,
			BestEffort: j.Delivery.BestEffort,
		}
	}
	return rec
}

func fromRecord(rec cronJobRecord) *store.CronJob {
	j := &store.CronJob{
		ID:             rec.ID,
		Name:           rec.Name,
		Enabled:        rec.Enabled,
		DeleteAfterRun: rec.DeleteAfterRun,
		CreatedAtMs:    rec.CreatedAtMs,
		UpdatedAtMs:    rec.UpdatedAtMs,
		SessionTarget:  store.SessionTarget(rec.SessionTarget),
		WakeMode:       store.WakeMode(rec.WakeMode),
		Payload: store.CronPayload{
			Kind:                       store.PayloadKind(rec.Payload.Kind),
			Text:                       rec.Payload.Text,
			Message:                    rec.Payload.Message,
			TimeoutSeconds:             rec.Payload.TimeoutSeconds,
			AllowUnsafeExternalContent: rec.Payload.AllowUnsafeExternalContent,
		},
	}
	j.Schedule = cron.Schedule{
		Kind:      cron.Kind(rec.Schedule.Kind),
		EveryMs:   rec.Schedule.EveryMs,
		AnchorMs:  rec.Schedule.AnchorMs,
		Expr:      rec.Schedule.Expr,
		TZ:        rec.Schedule.TZ,
		StaggerMs: rec.Schedule.StaggerMs,
	}
	if rec.Schedule.At != "" {
		if t, err := parseTime(rec.Schedule.At); err == nil {
			j.Schedule.At = t
		}
	}
	if rec.Delivery != nil {
		j.Delivery = store.CronDelivery{
			Mode:       store.DeliveryMode(rec.Delivery.Mode),
			Channel:    rec.Delivery.Channel,
			To:         rec.Delivery.To,
			BestEffort: rec.Delivery.BestEffort,
		}
	}
	if rec.State != nil {
		j.State = store.CronState{
			NextRunAtMs:     rec.State.NextRunAtMs,
			LastRunAtMs:     rec.State.LastRunAtMs,
			LastDurationMs:  rec.State.LastDurationMs,
			LastStatus:      store.CronRunStatus(rec.State.LastStatus),
			LastError:       rec.State.LastError,
			CooldownUntilMs: rec.State.CooldownUntilMs,
		}
	}
	return j
}
