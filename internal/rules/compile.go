package rules

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/pkg/schema"
)

// Skip reasons reported for conditions that cannot be evaluated.
const (
	SkipUnknownType  = "unknown_type"
	SkipMalformed    = "malformed"
	SkipRuntimeError = "runtime_error"
)

// ConditionValidator checks a raw condition body against its kind's schema.
// *validation.JSONSchemaValidator satisfies it.
type ConditionValidator interface {
	ValidateCondition(kind schema.ConditionKind, raw []byte) error
}

// SkippedCondition records a condition dropped at compile time.
type SkippedCondition struct {
	Index  int
	Kind   schema.ConditionKind
	Reason string
	Err    error
}

// CompiledRuleSet is a rule set whose conditions have been parsed once and
// can be evaluated against any number of students.
type CompiledRuleSet struct {
	RuleSet    *schema.RuleSet
	Conditions []Condition
	Skipped    []SkippedCondition
}

// Compiler turns raw condition lists into typed conditions. Unknown and
// malformed conditions are logged and skipped, never fatal.
type Compiler struct {
	validator ConditionValidator
	eval      BoolEvaluator
	logger    *slog.Logger
}

// NewCompiler creates a Compiler. validator may be nil to skip schema checks;
// eval may be nil, in which case Expression conditions are skipped.
func NewCompiler(validator ConditionValidator, eval BoolEvaluator, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{validator: validator, eval: eval, logger: logger}
}

// Compile parses every condition of rs.
func (c *Compiler) Compile(ctx context.Context, rs *schema.RuleSet) *CompiledRuleSet {
	conds, skipped := c.CompileConditions(ctx, rs.Conditions, slog.String("rule_set_id", rs.ID))
	return &CompiledRuleSet{RuleSet: rs, Conditions: conds, Skipped: skipped}
}

// CompileConditions parses a raw condition list. attrs are added to skip logs.
func (c *Compiler) CompileConditions(ctx context.Context, raws []json.RawMessage, attrs ...slog.Attr) ([]Condition, []SkippedCondition) {
	var (
		conds   []Condition
		skipped []SkippedCondition
	)
	for i, raw := range raws {
		cond, skip := c.compileOne(i, raw)
		if skip != nil {
			skipped = append(skipped, *skip)
			metrics.ConditionSkips.WithLabelValues(skip.Reason).Inc()
			c.logger.LogAttrs(ctx, slog.LevelWarn, "rule condition skipped",
				append(attrs,
					slog.Int("index", i),
					slog.String("type", string(skip.Kind)),
					slog.String("reason", skip.Reason),
					slog.Any("error", skip.Err),
				)...)
			continue
		}
		conds = append(conds, cond)
	}
	return conds, skipped
}

func (c *Compiler) compileOne(i int, raw json.RawMessage) (Condition, *SkippedCondition) {
	kind, err := schema.ConditionKindOf(raw)
	if err != nil {
		return nil, &SkippedCondition{Index: i, Reason: SkipMalformed, Err: err}
	}
	if !kind.Known() {
		return nil, &SkippedCondition{Index: i, Kind: kind, Reason: SkipUnknownType,
			Err: schema.NewErrorf(schema.ErrCodeMalformedConfig, "unknown condition type %q", kind)}
	}
	if kind == schema.ConditionExpression && c.eval == nil {
		return nil, &SkippedCondition{Index: i, Kind: kind, Reason: SkipMalformed,
			Err: schema.NewError(schema.ErrCodeMalformedConfig, "expression conditions are disabled")}
	}
	if c.validator != nil {
		if err := c.validator.ValidateCondition(kind, raw); err != nil {
			return nil, &SkippedCondition{Index: i, Kind: kind, Reason: SkipMalformed, Err: err}
		}
	}
	cond, err := decodeCondition(kind, raw, c.eval)
	if err != nil {
		return nil, &SkippedCondition{Index: i, Kind: kind, Reason: SkipMalformed, Err: err}
	}
	return cond, nil
}

// MatchAny evaluates conditions in order and returns the names of all that
// matched, de-duplicated in declaration order. A condition that fails at
// runtime counts as not matched.
func (c *Compiler) MatchAny(ctx context.Context, conds []Condition, sum *schema.AttendanceSummary) []string {
	var (
		names []string
		seen  = make(map[schema.ConditionKind]bool, len(conds))
	)
	for _, cond := range conds {
		ok, err := cond.Matches(ctx, sum)
		if err != nil {
			metrics.ConditionSkips.WithLabelValues(SkipRuntimeError).Inc()
			c.logger.WarnContext(ctx, "rule condition failed at evaluation",
				"type", string(cond.Kind()),
				"student_id", sum.StudentID,
				"error", err,
			)
			continue
		}
		if !ok || seen[cond.Kind()] {
			continue
		}
		seen[cond.Kind()] = true
		names = append(names, string(cond.Kind()))
	}
	return names
}
