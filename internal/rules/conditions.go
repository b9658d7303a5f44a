package rules

import (
	"context"
	"encoding/json"

	"github.com/rendis/attendflow/internal/expressions"
	"github.com/rendis/attendflow/pkg/schema"
)

// Condition is one independently evaluable eligibility test over a student's
// attendance aggregate.
type Condition interface {
	// Kind is the normalized type tag, reported as the triggered condition name.
	Kind() schema.ConditionKind
	Matches(ctx context.Context, sum *schema.AttendanceSummary) (bool, error)
}

// AttendancePercentThreshold matches when attendance is at or below the threshold.
type AttendancePercentThreshold struct {
	ThresholdPercentage float64 `json:"thresholdPercentage"`
}

func (c *AttendancePercentThreshold) Kind() schema.ConditionKind {
	return schema.ConditionAttendancePercentThreshold
}

func (c *AttendancePercentThreshold) Matches(_ context.Context, sum *schema.AttendanceSummary) (bool, error) {
	return sum.AttendancePercent <= c.ThresholdPercentage, nil
}

// ConsecutiveAbsenceDays matches when the current absence streak reaches N days.
type ConsecutiveAbsenceDays struct {
	ConsecutiveDays int `json:"consecutiveDays"`
}

func (c *ConsecutiveAbsenceDays) Kind() schema.ConditionKind {
	return schema.ConditionConsecutiveAbsenceDays
}

func (c *ConsecutiveAbsenceDays) Matches(_ context.Context, sum *schema.AttendanceSummary) (bool, error) {
	return sum.ConsecutiveAbsenceDays >= c.ConsecutiveDays, nil
}

// TotalAbsenceDays matches when year-to-date absences reach N days.
type TotalAbsenceDays struct {
	TotalDays int `json:"totalDays"`
}

func (c *TotalAbsenceDays) Kind() schema.ConditionKind {
	return schema.ConditionTotalAbsenceDays
}

func (c *TotalAbsenceDays) Matches(_ context.Context, sum *schema.AttendanceSummary) (bool, error) {
	return sum.TotalAbsenceDaysYTD >= c.TotalDays, nil
}

// AttendancePercentAbove matches when attendance is at or above the threshold.
// Stages use it as a stop condition.
type AttendancePercentAbove struct {
	ThresholdPercentage float64 `json:"thresholdPercentage"`
}

func (c *AttendancePercentAbove) Kind() schema.ConditionKind {
	return schema.ConditionAttendancePercentAbove
}

func (c *AttendancePercentAbove) Matches(_ context.Context, sum *schema.AttendanceSummary) (bool, error) {
	return sum.AttendancePercent >= c.ThresholdPercentage, nil
}

// BoolEvaluator evaluates a boolean expression. *expressions.Registry satisfies it.
type BoolEvaluator interface {
	EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error)
}

// Expression matches when a CEL, Expr or jq expression over the aggregate is true.
// The aggregate is bound as `summary` in CEL and as the root object in Expr and jq.
type Expression struct {
	Language   string `json:"language"`
	Expression string `json:"expression"`

	eval BoolEvaluator
}

func (c *Expression) Kind() schema.ConditionKind {
	return schema.ConditionExpression
}

func (c *Expression) Matches(ctx context.Context, sum *schema.AttendanceSummary) (bool, error) {
	if c.eval == nil {
		return false, schema.NewError(schema.ErrCodeMalformedConfig, "no expression evaluator configured")
	}
	return c.eval.EvaluateBool(ctx, c.Language, c.Expression, expressions.SummaryData(sum))
}

// decodeCondition builds the typed condition for kind from its raw body.
func decodeCondition(kind schema.ConditionKind, raw json.RawMessage, eval BoolEvaluator) (Condition, error) {
	var c Condition
	switch kind {
	case schema.ConditionAttendancePercentThreshold:
		c = &AttendancePercentThreshold{}
	case schema.ConditionConsecutiveAbsenceDays:
		c = &ConsecutiveAbsenceDays{}
	case schema.ConditionTotalAbsenceDays:
		c = &TotalAbsenceDays{}
	case schema.ConditionAttendancePercentAbove:
		c = &AttendancePercentAbove{}
	case schema.ConditionExpression:
		c = &Expression{eval: eval}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMalformedConfig, "unknown condition type %q", kind)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedConfig, "decode %s condition", kind).WithCause(err)
	}
	return c, nil
}
