package ladder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/attendflow/internal/logging"
	"github.com/rendis/attendflow/internal/rules"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// IntakeStore is the read side intake needs on top of the ladder.
type IntakeStore interface {
	GetRuleSet(ctx context.Context, id string) (*schema.RuleSet, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	GetDailySummary(ctx context.Context, studentID string, asOf time.Time) (*schema.AttendanceSummary, error)
}

// IntakeReport summarizes one intake pass over a school.
type IntakeReport struct {
	SchoolID  string    `json:"school_id"`
	AsOf      string    `json:"as_of"`
	Eligible  int       `json:"eligible"`
	Created   int       `json:"created"`
	Advanced  int       `json:"advanced"`
	Completed int       `json:"completed"`
	Stopped   int       `json:"stopped"`
	Escalated int       `json:"escalated"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
}

// Intake runs rule evaluation for a school and feeds the ladder: new
// eligibilities start instances, active instances are checked against their
// stage conditions and advanced when due.
type Intake struct {
	engine *rules.Engine
	ladder *Ladder
	store  IntakeStore
	logger *slog.Logger
}

// NewIntake creates an Intake.
func NewIntake(engine *rules.Engine, ladder *Ladder, st IntakeStore, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{engine: engine, ladder: ladder, store: st, logger: logger}
}

// RunIntake evaluates schoolID as of asOf. Rule evaluation and instance
// listing errors abort the pass; per-student failures are logged and counted.
func (in *Intake) RunIntake(ctx context.Context, schoolID string, asOf time.Time) (*IntakeReport, error) {
	now := in.ladder.Now()
	report := &IntakeReport{SchoolID: schoolID, AsOf: asOf.Format(schema.DateLayout), StartedAt: now}

	eligible, err := in.engine.Evaluate(ctx, schoolID, asOf)
	if err != nil {
		return report, fmt.Errorf("evaluate school %s: %w", schoolID, err)
	}
	report.Eligible = len(eligible)

	ruleSets := make(map[string]*schema.RuleSet)
	for _, el := range eligible {
		sctx := logging.WithStudentID(ctx, el.StudentID)
		rs, err := in.ruleSet(ctx, ruleSets, el.RuleSetID)
		if err != nil {
			report.Failed++
			logging.LogWith(sctx, in.logger).Error("intake: load rule set", "rule_set_id", el.RuleSetID, "error", err)
			continue
		}
		_, created, err := in.ladder.CreateIfAbsent(sctx, el.StudentID, rs, now)
		if err != nil {
			report.Failed++
			logging.LogWith(sctx, in.logger).Error("intake: create instance", "rule_set_id", el.RuleSetID, "error", err)
			continue
		}
		if created {
			report.Created++
		}
	}

	active := schema.StatusActive
	instances, err := in.store.ListInstances(ctx, store.InstanceFilter{SchoolID: schoolID, Status: &active})
	if err != nil {
		return report, fmt.Errorf("list active instances for school %s: %w", schoolID, err)
	}
	for _, inst := range instances {
		if err := in.progress(ctx, inst, asOf, now, report); err != nil {
			report.Failed++
			logging.LogWith(logging.WithIDs(ctx, "", inst.ID, inst.StudentID), in.logger).
				Error("intake: progress instance", "error", err)
		}
	}

	in.logger.InfoContext(ctx, "intake complete",
		"school_id", schoolID,
		"as_of", report.AsOf,
		"eligible", report.Eligible,
		"created", report.Created,
		"advanced", report.Advanced,
		"completed", report.Completed,
		"stopped", report.Stopped,
		"escalated", report.Escalated,
		"failed", report.Failed,
	)
	return report, nil
}

func (in *Intake) progress(ctx context.Context, inst *store.Instance, asOf, now time.Time, report *IntakeReport) error {
	sum, err := in.store.GetDailySummary(ctx, inst.StudentID, asOf)
	if err != nil && !schema.IsNotFound(err) {
		return err
	}
	status, err := in.ladder.ApplyStageConditions(ctx, inst, sum, now)
	if err != nil {
		return err
	}
	switch status {
	case schema.StatusStopped:
		report.Stopped++
		return nil
	case schema.StatusEscalated:
		report.Escalated++
		return nil
	}

	next, moved, err := in.ladder.AdvanceIfDue(ctx, inst, now)
	if err != nil || !moved {
		return err
	}
	if next.Status == schema.StatusCompleted {
		report.Completed++
	} else {
		report.Advanced++
	}
	return nil
}

func (in *Intake) ruleSet(ctx context.Context, cache map[string]*schema.RuleSet, id string) (*schema.RuleSet, error) {
	if rs, ok := cache[id]; ok {
		return rs, nil
	}
	rs, err := in.store.GetRuleSet(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = rs
	return rs, nil
}
