package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/attendflow/internal/logging"
	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

func newRunID() string { return uuid.New().String() }

// processRun advances one due run by at most one step. All bookkeeping for
// the step is committed in one transaction guarded by the run's current
// status and step order, so a retried or concurrent attempt cannot apply twice.
func (r *Runner) processRun(ctx context.Context, run *store.Run) (string, error) {
	now := r.locker.Now()
	log := logging.LogWith(ctx, r.logger)

	def, err := r.store.GetPlaybook(ctx, run.PlaybookID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("load playbook %s: %w", run.PlaybookID, err)
	}

	decision, err := r.evaluator.EvaluateStop(ctx, run, def, now)
	if err != nil {
		return outcomeFailed, err
	}
	if decision.Stop {
		c := store.RunCommit{
			RunID:             run.ID,
			ExpectedStepOrder: run.CurrentStepOrder,
			Status:            schema.StatusStopped,
			StepOrder:         run.CurrentStepOrder,
			StopReason:        decision.Reason,
			At:                now,
		}
		if step := def.StepAfter(run.CurrentStepOrder); step != nil {
			c.Log = skippedLog(run, step, schema.SkipRunStopped, now)
		}
		if err := r.commit(ctx, c); err != nil {
			return outcomeForCommitErr(err), err
		}
		log.Info("playbook run stopped", "reason", string(decision.Reason))
		return outcomeStopped, nil
	}

	if r.evaluator.EvaluateEscalation(run, def, now) {
		// The sink is idempotent per run, so escalate before committing: a
		// failed commit is retried next tick without losing the signal.
		if err := r.sink.Escalate(ctx, schema.Escalation{
			RunID:      run.ID,
			PlaybookID: run.PlaybookID,
			InstanceID: run.InstanceID,
			StudentID:  run.StudentID,
			Reason:     schema.EscalationReasonWindowElapsed,
			RaisedAt:   now,
		}); err != nil {
			return outcomeFailed, fmt.Errorf("escalate: %w", err)
		}
		if err := r.commit(ctx, store.RunCommit{
			RunID:             run.ID,
			ExpectedStepOrder: run.CurrentStepOrder,
			Status:            schema.StatusEscalated,
			StepOrder:         run.CurrentStepOrder,
			At:                now,
		}); err != nil {
			return outcomeForCommitErr(err), err
		}
		log.Warn("playbook run escalated", "after_days", *def.EscalationAfterDays)
		return outcomeEscalated, nil
	}

	step := def.StepAfter(run.CurrentStepOrder)
	if step == nil {
		if err := r.commit(ctx, store.RunCommit{
			RunID:             run.ID,
			ExpectedStepOrder: run.CurrentStepOrder,
			Status:            schema.StatusCompleted,
			StepOrder:         run.CurrentStepOrder,
			At:                now,
		}); err != nil {
			return outcomeForCommitErr(err), err
		}
		return outcomeCompleted, nil
	}

	c := advance(run, def, step, now)
	outcome := outcomeScheduled

	switch {
	case step.TemplateRef == "" || step.Channel == "":
		log.Error("runner: malformed step skipped", "step_id", step.ID)
		c.Log = skippedLog(run, step, schema.SkipMalformedStep, now)
		outcome = outcomeSkipped

	default:
		skip, err := r.previousStepReplied(ctx, run, def, step)
		if err != nil {
			return outcomeFailed, err
		}
		if skip {
			c.Log = skippedLog(run, step, schema.SkipPreviousStepReplied, now)
			outcome = outcomeSkipped
			break
		}

		key := IdempotencyKey(run.ID, step.ID)
		prior, err := r.store.LatestExecutionLog(ctx, key)
		if err != nil && !schema.IsNotFound(err) {
			return outcomeFailed, err
		}
		if prior != nil && prior.Status != schema.LogStatusFailed {
			log.Warn("runner: step already has an execution log; not re-dispatching",
				"step_id", step.ID, "log_status", string(prior.Status))
			outcome = outcomeDeduplicated
			break
		}

		entry, channel, err := r.buildMessage(ctx, run, step, key, now)
		if err != nil {
			return outcomeFailed, err
		}
		if entry == nil {
			c.Log = skippedLog(run, step, schema.SkipNoChannelAvailable, now)
			outcome = outcomeSkipped
			break
		}
		c.Outbox = entry
		c.Log = &store.ExecutionLog{
			RunID:          run.ID,
			StepID:         step.ID,
			StepOrder:      step.Order,
			Channel:        channel,
			IdempotencyKey: key,
			Status:         schema.LogStatusScheduled,
			ScheduledFor:   run.NextStepDueAt,
			CreatedAt:      now,
		}
	}

	if err := r.commit(ctx, c); err != nil {
		return outcomeForCommitErr(err), err
	}
	if c.Outbox != nil {
		metrics.OutboxEnqueued.Inc()
	}
	log.Info("playbook step processed",
		"step_id", step.ID,
		"step_order", step.Order,
		"outcome", outcome,
		"run_status", string(c.Status),
	)
	return outcome, nil
}

// advance builds the commit that moves the run pointer past step: the next
// step becomes due at trigger time plus its offset, or the run completes.
func advance(run *store.Run, def *schema.PlaybookDefinition, step *schema.PlaybookStep, now time.Time) store.RunCommit {
	c := store.RunCommit{
		RunID:             run.ID,
		ExpectedStepOrder: run.CurrentStepOrder,
		Status:            schema.StatusActive,
		StepOrder:         step.Order,
		At:                now,
	}
	if next := def.StepAfter(step.Order); next != nil {
		due := run.TriggeredAt.Add(days(next.OffsetDays))
		c.NextStepDueAt = &due
	} else {
		c.Status = schema.StatusCompleted
	}
	return c
}

// previousStepReplied reports whether step should be skipped because the
// guardian replied after the previous step went out. A reply seen by the
// GUARDIAN_REPLIED stop check ends the run first, so this only fires for
// CaseReaders whose reply window differs from the stop check's.
func (r *Runner) previousStepReplied(ctx context.Context, run *store.Run, def *schema.PlaybookDefinition, step *schema.PlaybookStep) (bool, error) {
	if !step.SkipIfPreviousReplied || run.GuardianID == "" {
		return false, nil
	}
	prev := def.StepBefore(step.Order)
	if prev == nil {
		return false, nil
	}
	since := run.TriggeredAt
	prevLog, err := r.store.LatestExecutionLog(ctx, IdempotencyKey(run.ID, prev.ID))
	switch {
	case err == nil:
		since = loggedAt(prevLog)
	case !schema.IsNotFound(err):
		return false, err
	}
	return r.evaluator.cases.HasGuardianRepliedSince(ctx, run.GuardianID, since)
}

// buildMessage resolves the recipient and returns the outbox entry for step.
// A nil entry means no channel can reach the guardian.
func (r *Runner) buildMessage(ctx context.Context, run *store.Run, step *schema.PlaybookStep, key string, now time.Time) (*store.OutboxEntry, schema.Channel, error) {
	g, err := r.guardians.ResolvePrimaryGuardian(ctx, run.StudentID)
	if schema.IsNotFound(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("resolve guardian: %w", err)
	}

	channel := step.Channel
	if !g.Supports(channel) || g.Address(channel) == "" {
		channel = step.FallbackChannel
		if channel == "" || !g.Supports(channel) || g.Address(channel) == "" {
			return nil, "", nil
		}
	}

	scheduledFor := now
	if run.NextStepDueAt != nil {
		scheduledFor = *run.NextStepDueAt
	}
	payload, err := json.Marshal(MessagePayload{
		RunID:        run.ID,
		PlaybookID:   run.PlaybookID,
		InstanceID:   run.InstanceID,
		StudentID:    run.StudentID,
		GuardianID:   g.ID,
		StepID:       step.ID,
		StepOrder:    step.Order,
		Channel:      channel,
		Recipient:    g.Address(channel),
		TemplateRef:  step.TemplateRef,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		return nil, "", err
	}
	return &store.OutboxEntry{
		Type:           OutboxTypeMessage,
		Payload:        payload,
		IdempotencyKey: key,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}, channel, nil
}

func (r *Runner) commit(ctx context.Context, c store.RunCommit) error {
	if err := r.store.CommitRunStep(ctx, c); err != nil {
		return fmt.Errorf("commit run %s: %w", c.RunID, err)
	}
	return nil
}

// outcomeForCommitErr separates a lost compare-and-swap from a real failure.
func outcomeForCommitErr(err error) string {
	if schema.HasCode(err, schema.ErrCodeInvalidTransition) {
		return outcomeConflict
	}
	return outcomeFailed
}

func skippedLog(run *store.Run, step *schema.PlaybookStep, reason string, now time.Time) *store.ExecutionLog {
	return &store.ExecutionLog{
		RunID:          run.ID,
		StepID:         step.ID,
		StepOrder:      step.Order,
		Channel:        step.Channel,
		IdempotencyKey: IdempotencyKey(run.ID, step.ID),
		Status:         schema.LogStatusSkipped,
		SkipReason:     reason,
		ExecutedAt:     &now,
		CreatedAt:      now,
	}
}

func loggedAt(l *store.ExecutionLog) time.Time {
	switch {
	case l.ExecutedAt != nil:
		return *l.ExecutedAt
	case l.ScheduledFor != nil:
		return *l.ScheduledFor
	default:
		return l.CreatedAt
	}
}
