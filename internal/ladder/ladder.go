// Package ladder owns the intervention instance lifecycle: creation on the
// first stage of a rule set, time-based advancement, and the terminal
// COMPLETED, STOPPED and ESCALATED states.
package ladder

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/attendflow/internal/logging"
	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/rules"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// Closed reasons recorded by automatic transitions.
const (
	ReasonLadderExhausted     = "LADDER_EXHAUSTED"
	ReasonStopCondition       = "STOP_CONDITION"
	ReasonEscalationCondition = "ESCALATION_CONDITION"
)

// InstanceStore is the persistence the ladder needs. *store.LibSQLStore satisfies it.
type InstanceStore interface {
	Transitioner
	CreateInstanceIfAbsent(ctx context.Context, inst *store.Instance, entered *store.Event) (*store.Instance, bool, error)
	GetInstance(ctx context.Context, id string) (*store.Instance, error)
	GetRuleSet(ctx context.Context, id string) (*schema.RuleSet, error)
}

// Ladder drives intervention instances through their rule set's stages.
type Ladder struct {
	store    InstanceStore
	fsm      *InstanceFSM
	compiler *rules.Compiler
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Ladder.
type Option func(*Ladder)

// WithClock overrides the time source used by Stop and Escalate.
func WithClock(now func() time.Time) Option {
	return func(l *Ladder) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ladder) { l.logger = logger }
}

// New creates a Ladder. compiler parses stage stop and escalation conditions.
func New(st InstanceStore, compiler *rules.Compiler, opts ...Option) *Ladder {
	l := &Ladder{
		store:    st,
		fsm:      NewInstanceFSM(st),
		compiler: compiler,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.compiler == nil {
		l.compiler = rules.NewCompiler(nil, nil, l.logger)
	}
	for _, to := range ValidTransitions[schema.StatusActive] {
		l.fsm.OnAfter(schema.StatusActive, to, func(_, _ schema.Status) error {
			metrics.InstanceTransitions.WithLabelValues(string(to)).Inc()
			return nil
		})
	}
	return l
}

// FSM exposes the instance state machine for hook registration.
func (l *Ladder) FSM() *InstanceFSM { return l.fsm }

// Now returns the ladder clock's current time.
func (l *Ladder) Now() time.Time { return l.now() }

// CreateIfAbsent starts an ACTIVE instance on the lowest-order stage of rs
// unless the student already has one for rs. The STAGE_ENTERED event is
// written in the same transaction as the instance.
func (l *Ladder) CreateIfAbsent(ctx context.Context, studentID string, rs *schema.RuleSet, now time.Time) (*store.Instance, bool, error) {
	if rs == nil {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "rule set is required")
	}
	if !rs.Active {
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation, "rule set %q is inactive", rs.ID)
	}
	first := rs.FirstStage()
	if first == nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeMalformedConfig, "rule set %q has no stages", rs.ID)
	}

	inst := &store.Instance{
		ID:               uuid.New().String(),
		TenantID:         rs.TenantID,
		SchoolID:         rs.SchoolID,
		StudentID:        studentID,
		RuleSetID:        rs.ID,
		CurrentStageID:   first.ID,
		Status:           schema.StatusActive,
		StartedAt:        now,
		LastTransitionAt: now,
	}
	entered, err := stageEnteredEvent(inst, first, now)
	if err != nil {
		return nil, false, err
	}

	got, created, err := l.store.CreateInstanceIfAbsent(ctx, inst, entered)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.InstanceTransitions.WithLabelValues(string(schema.StatusActive)).Inc()
		logging.LogWith(logging.WithIDs(ctx, "", got.ID, studentID), l.logger).Info("intervention instance created",
			"rule_set_id", rs.ID,
			"stage_id", first.ID,
			"stage_type", string(first.Type),
		)
	}
	return got, created, nil
}

// AdvanceIfDue moves inst to its next stage once the current stage's
// days_before_next have elapsed since the last transition, or completes it
// when no next stage exists. It reports whether a transition happened.
// Losing a concurrent compare-and-swap is not an error.
func (l *Ladder) AdvanceIfDue(ctx context.Context, inst *store.Instance, now time.Time) (*store.Instance, bool, error) {
	if inst.Status != schema.StatusActive {
		return inst, false, nil
	}
	rs, err := l.store.GetRuleSet(ctx, inst.RuleSetID)
	if err != nil {
		return inst, false, err
	}
	cur := rs.StageByID(inst.CurrentStageID)
	if cur == nil {
		return inst, false, schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"instance %q points at stage %q missing from rule set %q", inst.ID, inst.CurrentStageID, rs.ID)
	}
	if cur.DaysBeforeNext == nil {
		return inst, false, nil
	}
	due := inst.LastTransitionAt.Add(time.Duration(*cur.DaysBeforeNext) * 24 * time.Hour)
	if now.Before(due) {
		return inst, false, nil
	}

	tr := store.InstanceTransition{
		InstanceID:  inst.ID,
		FromStatus:  schema.StatusActive,
		FromStageID: inst.CurrentStageID,
		At:          now,
	}
	next := rs.NextStage(cur)
	if next == nil {
		tr.ToStatus = schema.StatusCompleted
		tr.ToStageID = inst.CurrentStageID
		tr.Reason = ReasonLadderExhausted
	} else {
		tr.ToStatus = schema.StatusActive
		tr.ToStageID = next.ID
		if tr.Event, err = stageEnteredEvent(inst, next, now); err != nil {
			return inst, false, err
		}
	}

	if err := l.fsm.Transition(ctx, tr); err != nil {
		if schema.HasCode(err, schema.ErrCodeInvalidTransition) {
			latest, gerr := l.store.GetInstance(ctx, inst.ID)
			if gerr != nil {
				return inst, false, gerr
			}
			return latest, false, nil
		}
		return inst, false, err
	}

	logging.LogWith(logging.WithIDs(ctx, "", inst.ID, inst.StudentID), l.logger).Info("intervention instance advanced",
		"from_stage", inst.CurrentStageID,
		"to_stage", tr.ToStageID,
		"status", string(tr.ToStatus),
	)
	return applied(inst, tr), true, nil
}

// Stop closes the instance as STOPPED, bypassing further advancement.
func (l *Ladder) Stop(ctx context.Context, instanceID, reason string) (*store.Instance, error) {
	return l.close(ctx, instanceID, schema.StatusStopped, reason)
}

// Escalate closes the instance as ESCALATED, bypassing further advancement.
func (l *Ladder) Escalate(ctx context.Context, instanceID, reason string) (*store.Instance, error) {
	return l.close(ctx, instanceID, schema.StatusEscalated, reason)
}

func (l *Ladder) close(ctx context.Context, instanceID string, to schema.Status, reason string) (*store.Instance, error) {
	inst, err := l.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tr := store.InstanceTransition{
		InstanceID:  inst.ID,
		FromStatus:  inst.Status,
		FromStageID: inst.CurrentStageID,
		ToStatus:    to,
		ToStageID:   inst.CurrentStageID,
		Reason:      reason,
		At:          l.now(),
	}
	if tr.Event, err = closeEvent(inst, to, reason); err != nil {
		return nil, err
	}
	if err := l.fsm.Transition(ctx, tr); err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithIDs(ctx, "", inst.ID, inst.StudentID), l.logger).Info("intervention instance closed",
		"status", string(to),
		"reason", reason,
	)
	return applied(inst, tr), nil
}

// ApplyStageConditions evaluates the current stage's stop conditions, then
// its escalation conditions, against sum. The first group with a match closes
// the instance. It returns the instance's status afterwards.
func (l *Ladder) ApplyStageConditions(ctx context.Context, inst *store.Instance, sum *schema.AttendanceSummary, now time.Time) (schema.Status, error) {
	if inst.Status != schema.StatusActive || sum == nil {
		return inst.Status, nil
	}
	rs, err := l.store.GetRuleSet(ctx, inst.RuleSetID)
	if err != nil {
		return inst.Status, err
	}
	stage := rs.StageByID(inst.CurrentStageID)
	if stage == nil {
		return inst.Status, schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"instance %q points at stage %q missing from rule set %q", inst.ID, inst.CurrentStageID, rs.ID)
	}

	groups := []struct {
		raws   []json.RawMessage
		to     schema.Status
		prefix string
	}{
		{stage.StopConditions, schema.StatusStopped, ReasonStopCondition},
		{stage.EscalationConditions, schema.StatusEscalated, ReasonEscalationCondition},
	}
	for _, g := range groups {
		if len(g.raws) == 0 {
			continue
		}
		conds, _ := l.compiler.CompileConditions(ctx, g.raws,
			slog.String("instance_id", inst.ID), slog.String("stage_id", stage.ID))
		matched := l.compiler.MatchAny(ctx, conds, sum)
		if len(matched) == 0 {
			continue
		}
		reason := g.prefix + ":" + strings.Join(matched, ",")
		tr := store.InstanceTransition{
			InstanceID:  inst.ID,
			FromStatus:  schema.StatusActive,
			FromStageID: inst.CurrentStageID,
			ToStatus:    g.to,
			ToStageID:   inst.CurrentStageID,
			Reason:      reason,
			At:          now,
		}
		if tr.Event, err = closeEvent(inst, g.to, reason); err != nil {
			return inst.Status, err
		}
		if err := l.fsm.Transition(ctx, tr); err != nil {
			return inst.Status, err
		}
		logging.LogWith(logging.WithIDs(ctx, "", inst.ID, inst.StudentID), l.logger).Info("stage condition closed instance",
			"stage_id", stage.ID,
			"status", string(g.to),
			"reason", reason,
		)
		return g.to, nil
	}
	return inst.Status, nil
}

func applied(inst *store.Instance, tr store.InstanceTransition) *store.Instance {
	out := *inst
	out.Status = tr.ToStatus
	out.CurrentStageID = tr.ToStageID
	out.LastTransitionAt = tr.At
	out.UpdatedAt = tr.At
	if tr.Reason != "" {
		out.ClosedReason = tr.Reason
	}
	return &out
}

func stageEnteredEvent(inst *store.Instance, stage *schema.Stage, at time.Time) (*store.Event, error) {
	payload, err := json.Marshal(store.StageEnteredPayload{
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		SchoolID:   inst.SchoolID,
		StudentID:  inst.StudentID,
		RuleSetID:  inst.RuleSetID,
		StageID:    stage.ID,
		StageType:  stage.Type,
		StageOrder: stage.Order,
		EnteredAt:  at,
	})
	if err != nil {
		return nil, err
	}
	return &store.Event{Type: schema.EventStageEntered, InstanceID: inst.ID, Payload: payload, CreatedAt: at}, nil
}

func closeEvent(inst *store.Instance, to schema.Status, reason string) (*store.Event, error) {
	payload, err := json.Marshal(map[string]string{
		"student_id": inst.StudentID,
		"stage_id":   inst.CurrentStageID,
		"reason":     reason,
	})
	if err != nil {
		return nil, err
	}
	return &store.Event{Type: instanceEventType(to), InstanceID: inst.ID, Payload: payload}, nil
}
