// Package runctl wraps internal/agent.Loop.Run with the outer state
// machine covering auth-profile selection/rotation/cooldown,
// context-overflow detection with interleaved compaction attempts, and
// fallback-model escalation when no profile is eligible, on rate-limit/auth
// errors of a user-pinned profile, and on unavailable errors. Billing errors
// surface as a FailoverError without escalation.
//
// Loop itself is a single-provider, single-model execution engine (teacher
// code, kept as-is); Controller is the new layer that decides WHICH
// provider/model a given attempt uses and reacts to its outcome.
package runctl

import (
	"context"
	"fmt"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/authprofile"
	"github.com/openclaw/openclaw/internal/providers"
)

// maxAttempts bounds total run attempts to 4 (1 initial plus up to 3
// compaction-interleaved retries).
const maxAttempts = 4

// maxCompactions bounds compaction attempts within the attempt budget.
const maxCompactions = 3

// ErrorKind mirrors meta.error.kind values.
type ErrorKind string

const (
	ErrorKindContextOverflow   ErrorKind = "context_overflow"
	ErrorKindCompactionFailure ErrorKind = "compaction_failure"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindAuth              ErrorKind = "auth"
	ErrorKindBilling           ErrorKind = "billing"
	ErrorKindRateLimit         ErrorKind = "rate_limit"
	ErrorKindUnknown           ErrorKind = "unknown"
)

// Result is the outcome of a controlled run.
type Result struct {
	*agent.RunResult
	IsError        bool
	ErrorKind      ErrorKind
	ErrorMessage   string
	ProfileID      string
	Model          string
	Attempts       int
	Compactions    int
}

// LoopFactory builds a single-attempt Loop bound to one provider/model/profile.
// The caller owns Loop construction so every LoopConfig field (sessions,
// tools, tracing, bootstrap, sandbox, ...) stays under its own control;
// Controller only ever asks for a Loop that targets a specific credential.
type LoopFactory func(ctx context.Context, profile *authprofile.Profile, model string) (*agent.Loop, error)

// Controller runs one AgentRun end-to-end under retry,
// rotation, and compaction policy.
type Controller struct {
	Profiles  *authprofile.Store
	NewLoop   LoopFactory
	Provider  string   // auth-profile provider key, e.g. "anthropic"
	Models    []string // [primary, fallback1, fallback2, ...]; Models[0] is the requested model
}

// RunOpts carries the per-call auth-profile pin.
type RunOpts struct {
	PinnedProfileID string // non-empty => source=user
}

// Run executes req under the full rotation/compaction state machine.
func (c *Controller) Run(ctx context.Context, req agent.RunRequest, opts RunOpts) (*Result, error) {
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("runctl: no models configured")
	}

	source := authprofile.SourceAuto
	if opts.PinnedProfileID != "" {
		source = authprofile.SourceUser
	}

	modelIdx := 0
	compactions := 0
	var lastProfile *authprofile.Profile
	lastKind := ErrorKindContextOverflow

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		model := c.Models[modelIdx]

		// 1. Select auth profile.
		profileID, ok := c.Profiles.Select(c.Provider, source, opts.PinnedProfileID)
		if !ok {
			if modelIdx+1 < len(c.Models) {
				modelIdx++
				continue
			}
			reason := authprofile.ReasonRateLimit
			if source == authprofile.SourceUser {
				reason = authprofile.ReasonAuth
			}
			return nil, authprofile.NewFailoverError(reason, c.Provider, model, "no eligible auth profile")
		}
		cred, ok := c.Profiles.Credential(profileID)
		if !ok {
			return nil, fmt.Errorf("runctl: selected profile %q has no credential", profileID)
		}
		profile := &cred
		lastProfile = profile

		loop, err := c.NewLoop(ctx, profile, model)
		if err != nil {
			return nil, fmt.Errorf("runctl: build loop: %w", err)
		}

		// 2. Attempt.
		runResult, runErr := loop.Run(ctx, req)

		// 3. Classify outcome.
		fe, isFailover := asFailoverError(runErr)

		switch {
		case runErr == nil:
			c.Profiles.MarkUsed(profile.ID)
			if source == authprofile.SourceUser {
				c.Profiles.ClearCooldown(profile.ID)
			}
			return &Result{RunResult: runResult, ProfileID: profile.ID, Model: model, Attempts: attempt, Compactions: compactions}, nil

		case ctx.Err() != nil:
			// Aborted/timed-out by the caller's own context: not a rotation
			// trigger.
			return &Result{IsError: true, ErrorKind: ErrorKindTimeout, ErrorMessage: "timed out",
				ProfileID: profile.ID, Model: model, Attempts: attempt, Compactions: compactions}, nil

		case authprofile.IsCompactionFailure(runErr.Error()):
			// 5. Compaction failure: do not compact further.
			return &Result{IsError: true, ErrorKind: ErrorKindCompactionFailure, ErrorMessage: runErr.Error(),
				ProfileID: profile.ID, Model: model, Attempts: attempt, Compactions: compactions}, nil

		case authprofile.IsContextOverflow(runErr.Error()):
			// 4. Context overflow handling: up to 3 compactions interleaved
			// with retry attempts.
			if compactions >= maxCompactions {
				return &Result{IsError: true, ErrorKind: ErrorKindContextOverflow, ErrorMessage: runErr.Error(),
					ProfileID: profile.ID, Model: model, Attempts: attempt, Compactions: compactions}, nil
			}
			compactions++
			lastKind = ErrorKindContextOverflow
			if compactErr := loop.ForceCompact(ctx, req.SessionKey); compactErr != nil {
				// compaction itself failed to run: no tool-result
				// truncation is attempted; the next attempt retries with
				// the history unchanged, and once the compaction budget
				// is spent the run ends with context_overflow.
				if compactions == maxCompactions {
					return &Result{IsError: true, ErrorKind: ErrorKindContextOverflow, ErrorMessage: runErr.Error(),
						ProfileID: profile.ID, Model: model, Attempts: attempt, Compactions: compactions}, nil
				}
			}
			continue // retry same profile/model with a smaller history

		case isFailover && fe.Reason == authprofile.ReasonBilling:
			// 7. Billing: always surfaces, never rotates.
			return nil, fe

		case isFailover && fe.Reason == authprofile.ReasonTimeout:
			// Classifier-detected timeout (string-matched, distinct from
			// ctx.Err()): surfaces the same structured shape as a
			// caller-context timeout rather than a bare error.
			lastKind = ErrorKindTimeout
			return &Result{IsError: true, ErrorKind: ErrorKindTimeout, ErrorMessage: fe.Error(),
				ProfileID: profile.ID, Model: model, Attempts: attempt, Compactions: compactions}, nil

		case isFailover && (fe.Reason == authprofile.ReasonRateLimit || fe.Reason == authprofile.ReasonAuth):
			// 6. Rate-limit/auth rotation.
			if fe.Reason == authprofile.ReasonAuth {
				lastKind = ErrorKindAuth
			} else {
				lastKind = ErrorKindRateLimit
			}
			if source == authprofile.SourceUser {
				if modelIdx+1 < len(c.Models) {
					modelIdx++
					continue
				}
				return nil, fe
			}
			c.Profiles.MarkCooldown(profile.ID, authprofile.DefaultCooldown)
			continue // next attempt re-selects a non-cooldown profile

		case isFailover && fe.Reason == authprofile.ReasonUnavailable:
			lastKind = ErrorKindUnknown
			if modelIdx+1 < len(c.Models) {
				modelIdx++
				continue
			}
			return nil, fe

		default:
			return nil, runErr
		}
	}

	msg := "exhausted retry attempts"
	if lastProfile != nil {
		msg = fmt.Sprintf("exhausted retry attempts using profile %s", lastProfile.ID)
	}
	return &Result{IsError: true, ErrorKind: lastKind, ErrorMessage: msg, Attempts: maxAttempts, Compactions: compactions}, nil
}

func asFailoverError(err error) (*authprofile.FailoverError, bool) {
	if err == nil {
		return nil, false
	}
	var fe *authprofile.FailoverError
	if fe2, ok := err.(*authprofile.FailoverError); ok {
		return fe2, true
	}
	reason := authprofile.ClassifyError(err)
	if reason == authprofile.ReasonUnknown {
		return nil, false
	}
	return &authprofile.FailoverError{Reason: reason, Message: err.Error(), Cause: err}, true
}

// AccumulatedUsage sums token usage across every model call in an attempt.
// Loop.Run already accumulates this internally into RunResult.Usage; this
// is exposed for callers that need to report per-attempt (not per-call)
// totals alongside promptTokens from the latest call.
func AccumulatedUsage(r *Result) *providers.Usage {
	if r == nil || r.RunResult == nil {
		return nil
	}
	return r.RunResult.Usage
}
