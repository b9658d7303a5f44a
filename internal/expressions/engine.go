package expressions

import (
	"context"
	"strings"

	"github.com/rendis/attendflow/pkg/schema"
)

// Engine evaluates expressions against one student's attendance data.
// Three implementations: CEL, Expr and GoJQ.
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry resolves an engine by language name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry with the cel, expr and jq engines.
func NewRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine, 3)}
	for _, e := range []Engine{cel, NewExprEngine(), NewGoJQEngine()} {
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Languages returns the supported language names.
func (r *Registry) Languages() []string {
	return []string{"cel", "expr", "jq"}
}

// Get returns the engine for language (case-insensitive).
func (r *Registry) Get(language string) (Engine, error) {
	e, ok := r.engines[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedConfig,
			"unsupported expression language %q: must be one of cel, expr, jq", language)
	}
	return e, nil
}

// Compile checks that expression compiles in language.
func (r *Registry) Compile(language, expression string) error {
	e, err := r.Get(language)
	if err != nil {
		return err
	}
	return e.Compile(expression)
}

// EvaluateBool evaluates expression and requires a boolean result.
func (r *Registry) EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	e, err := r.Get(language)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"%s expression %q returned %T, want bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression, "language": e.Name()})
	}
	return b, nil
}

// SummaryData exposes an attendance aggregate to expressions. Numbers are
// float64 so that all three languages compare them uniformly.
func SummaryData(sum *schema.AttendanceSummary) map[string]any {
	if sum == nil {
		return map[string]any{}
	}
	return map[string]any{
		"student_id":               sum.StudentID,
		"school_id":                sum.SchoolID,
		"date":                     sum.Date.Format(schema.DateLayout),
		"attendance_percent":       sum.AttendancePercent,
		"consecutive_absence_days": float64(sum.ConsecutiveAbsenceDays),
		"total_absence_days_ytd":   float64(sum.TotalAbsenceDaysYTD),
	}
}
