// Package rules decides which students are eligible for intervention. A rule
// set's conditions are OR-combined and every matched condition is reported.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// AttendanceReader reads daily attendance aggregates. Both methods return the
// latest aggregate dated on or before asOf. *store.LibSQLStore satisfies it.
type AttendanceReader interface {
	GetDailySummary(ctx context.Context, studentID string, asOf time.Time) (*schema.AttendanceSummary, error)
	ListDailySummaries(ctx context.Context, schoolID string, asOf time.Time) ([]*schema.AttendanceSummary, error)
}

// RuleSetSource lists rule sets in scope for a school.
type RuleSetSource interface {
	ListRuleSets(ctx context.Context, filter store.RuleSetFilter) ([]*schema.RuleSet, error)
}

// Eligibility is one (student, rule set) pair that triggered.
type Eligibility struct {
	StudentID           string   `json:"student_id"`
	SchoolID            string   `json:"school_id"`
	RuleSetID           string   `json:"rule_set_id"`
	TriggeredConditions []string `json:"triggered_conditions"`
}

// Decision is the result of a single-student evaluation.
type Decision struct {
	StudentID           string   `json:"student_id"`
	RuleSetID           string   `json:"rule_set_id"`
	Eligible            bool     `json:"is_eligible"`
	TriggeredConditions []string `json:"triggered_conditions"`
	SummaryDate         string   `json:"summary_date,omitempty"`
}

// Engine evaluates rule sets against attendance aggregates. It never writes.
type Engine struct {
	ruleSets   RuleSetSource
	attendance AttendanceReader
	compiler   *Compiler
	logger     *slog.Logger
}

// NewEngine creates a rule engine.
func NewEngine(ruleSets RuleSetSource, attendance AttendanceReader, compiler *Compiler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if compiler == nil {
		compiler = NewCompiler(nil, nil, logger)
	}
	return &Engine{ruleSets: ruleSets, attendance: attendance, compiler: compiler, logger: logger}
}

// Compiler returns the condition compiler shared with stage condition checks.
func (e *Engine) Compiler() *Compiler { return e.compiler }

// Evaluate runs every active rule set of schoolID against every student with
// an aggregate as of asOf. Results are ordered by student, then rule set.
func (e *Engine) Evaluate(ctx context.Context, schoolID string, asOf time.Time) ([]Eligibility, error) {
	sets, err := e.ruleSets.ListRuleSets(ctx, store.RuleSetFilter{SchoolID: schoolID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list rule sets for school %s: %w", schoolID, err)
	}
	if len(sets) == 0 {
		return nil, nil
	}

	compiled := make([]*CompiledRuleSet, 0, len(sets))
	for _, rs := range sets {
		if !rs.Active {
			continue
		}
		compiled = append(compiled, e.compiler.Compile(ctx, rs))
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].RuleSet.ID < compiled[j].RuleSet.ID })

	summaries, err := e.attendance.ListDailySummaries(ctx, schoolID, asOf)
	if err != nil {
		return nil, fmt.Errorf("list attendance for school %s: %w", schoolID, err)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].StudentID < summaries[j].StudentID })

	var out []Eligibility
	for _, sum := range summaries {
		for _, crs := range compiled {
			triggered := e.evaluateSummary(ctx, crs, sum)
			if len(triggered) == 0 {
				continue
			}
			out = append(out, Eligibility{
				StudentID:           sum.StudentID,
				SchoolID:            schoolID,
				RuleSetID:           crs.RuleSet.ID,
				TriggeredConditions: triggered,
			})
		}
	}

	e.logger.InfoContext(ctx, "rule evaluation complete",
		"school_id", schoolID,
		"as_of", asOf.Format(schema.DateLayout),
		"rule_sets", len(compiled),
		"students", len(summaries),
		"eligible", len(out),
	)
	return out, nil
}

// Simulate evaluates ruleSet for one student without side effects. It uses
// the same compile and per-student path as Evaluate. The rule set's Active
// flag is ignored so drafts can be previewed. A student with no aggregate on
// or before asOf is not eligible.
func (e *Engine) Simulate(ctx context.Context, studentID string, ruleSet *schema.RuleSet, asOf time.Time) (Decision, error) {
	d := Decision{StudentID: studentID}
	if ruleSet == nil {
		return d, schema.NewError(schema.ErrCodeValidation, "rule set is required")
	}
	d.RuleSetID = ruleSet.ID

	sum, err := e.attendance.GetDailySummary(ctx, studentID, asOf)
	if err != nil {
		if schema.IsNotFound(err) {
			return d, nil
		}
		return d, fmt.Errorf("read attendance for student %s: %w", studentID, err)
	}
	d.SummaryDate = sum.Date.Format(schema.DateLayout)

	triggered := e.evaluateSummary(ctx, e.compiler.Compile(ctx, ruleSet), sum)
	d.Eligible = len(triggered) > 0
	d.TriggeredConditions = triggered
	return d, nil
}

// evaluateSummary is the single per-student decision shared by Evaluate and Simulate.
func (e *Engine) evaluateSummary(ctx context.Context, crs *CompiledRuleSet, sum *schema.AttendanceSummary) []string {
	triggered := e.compiler.MatchAny(ctx, crs.Conditions, sum)
	for _, name := range triggered {
		metrics.ConditionMatches.WithLabelValues(name).Inc()
	}
	return triggered
}
