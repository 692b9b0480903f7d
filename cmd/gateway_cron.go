package cmd

import (
	"context"
	"fmt"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/scheduler"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/store"
)

// makeCronFire builds a cron.Fire that routes a job's agent turn through the
// scheduler's cron lane, so a cron-triggered run gets the same per-session
// serialization and /stop//stopall reach as any other run.
func makeCronFire(sched *scheduler.Scheduler, msgBus *bus.MessageBus, cfg *config.Config) func(ctx context.Context, job *store.CronJob) store.CronJobResult {
	return func(ctx context.Context, job *store.CronJob) store.CronJobResult {
		agentID := config.NormalizeAgentID(cfg.ResolveDefaultAgentID())
		runID := fmt.Sprintf("cron:%s:%d", job.ID, job.State.LastRunAtMs)
		sessionKey := sessions.BuildCronSessionKey(agentID, job.ID, runID)
		if job.SessionTarget == store.SessionTargetMain {
			sessionKey = sessions.BuildAgentMainSessionKey(agentID, "main")
		}

		message := job.Payload.Message
		if job.Payload.Kind == store.PayloadSystemEvent {
			message = job.Payload.Text
		}

		channel := job.Delivery.Channel
		if channel == "" {
			channel = "cron"
		}

		outCh := sched.Schedule(ctx, scheduler.LaneCron, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    message,
			Channel:    channel,
			ChatID:     job.Delivery.To,
			RunID:      runID,
			Stream:     false,
			TraceName:  fmt.Sprintf("Cron [%s] - %s", job.Name, agentID),
			TraceTags:  []string{"cron"},
		})

		outcome := <-outCh
		if outcome.Err != nil {
			return store.CronJobResult{Status: store.CronStatusError, Error: outcome.Err.Error()}
		}

		result := outcome.Result
		if job.Delivery.Mode == store.DeliveryAnnounce && job.Delivery.Channel != "" && job.Delivery.To != "" {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Delivery.Channel,
				ChatID:  job.Delivery.To,
				Content: result.Content,
			})
		}

		return store.CronJobResult{Status: store.CronStatusOK, Summary: result.Content}
	}
}
