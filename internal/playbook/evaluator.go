package playbook

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// CaseReader answers the case-state questions behind stop conditions.
// *store.LibSQLStore satisfies it.
type CaseReader interface {
	IsCaseClosed(ctx context.Context, caseID string) (bool, error)
	HasGuardianRepliedSince(ctx context.Context, guardianID string, since time.Time) (bool, error)
}

// AttendanceReader returns the latest attendance aggregate on or before asOf.
type AttendanceReader interface {
	GetDailySummary(ctx context.Context, studentID string, asOf time.Time) (*schema.AttendanceSummary, error)
}

// StopDecision is the outcome of EvaluateStop.
type StopDecision struct {
	Stop   bool              `json:"stop"`
	Reason schema.StopReason `json:"reason,omitempty"`
}

type stopPredicate struct {
	reason schema.StopReason
	check  func(ctx context.Context, run *store.Run, def *schema.PlaybookDefinition, now time.Time) (bool, error)
}

// Evaluator decides whether a run should stop or escalate. It never writes.
type Evaluator struct {
	cases      CaseReader
	attendance AttendanceReader
	predicates []stopPredicate
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cases CaseReader, attendance AttendanceReader) *Evaluator {
	e := &Evaluator{cases: cases, attendance: attendance}
	// Order is precedence: the first match wins.
	e.predicates = []stopPredicate{
		{schema.StopCaseClosed, e.caseClosed},
		{schema.StopGuardianReplied, e.guardianReplied},
		{schema.StopAttendanceImproved, e.attendanceImproved},
	}
	return e
}

// EvaluateStop checks the stop predicates in fixed order: CASE_CLOSED,
// GUARDIAN_REPLIED, ATTENDANCE_IMPROVED.
func (e *Evaluator) EvaluateStop(ctx context.Context, run *store.Run, def *schema.PlaybookDefinition, now time.Time) (StopDecision, error) {
	for _, p := range e.predicates {
		ok, err := p.check(ctx, run, def, now)
		if err != nil {
			return StopDecision{}, fmt.Errorf("evaluate %s: %w", p.reason, err)
		}
		if ok {
			return StopDecision{Stop: true, Reason: p.reason}, nil
		}
	}
	return StopDecision{}, nil
}

// EvaluateEscalation reports whether escalation_after_days have elapsed since
// the run was triggered. Playbooks without a window never escalate.
func (e *Evaluator) EvaluateEscalation(run *store.Run, def *schema.PlaybookDefinition, now time.Time) bool {
	if def == nil || def.EscalationAfterDays == nil || *def.EscalationAfterDays <= 0 {
		return false
	}
	window := time.Duration(*def.EscalationAfterDays) * 24 * time.Hour
	return now.Sub(run.TriggeredAt) >= window
}

func (e *Evaluator) caseClosed(ctx context.Context, run *store.Run, _ *schema.PlaybookDefinition, _ time.Time) (bool, error) {
	return e.cases.IsCaseClosed(ctx, run.InstanceID)
}

func (e *Evaluator) guardianReplied(ctx context.Context, run *store.Run, _ *schema.PlaybookDefinition, _ time.Time) (bool, error) {
	if run.GuardianID == "" {
		return false, nil
	}
	return e.cases.HasGuardianRepliedSince(ctx, run.GuardianID, run.TriggeredAt)
}

// attendanceImproved matches when the latest aggregate is dated after the
// trigger day and at or above the playbook's improvement threshold.
func (e *Evaluator) attendanceImproved(ctx context.Context, run *store.Run, def *schema.PlaybookDefinition, now time.Time) (bool, error) {
	if def == nil || def.AttendanceImprovementThreshold == nil || e.attendance == nil {
		return false, nil
	}
	sum, err := e.attendance.GetDailySummary(ctx, run.StudentID, now)
	if schema.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sum.Date.After(schema.TruncateDay(run.TriggeredAt)) {
		return false, nil
	}
	return sum.AttendancePercent >= *def.AttendanceImprovementThreshold, nil
}
