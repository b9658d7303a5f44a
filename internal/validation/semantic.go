package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/attendflow/pkg/schema"
)

// conditionChecker validates a single condition body. Satisfied by *JSONSchemaValidator.
type conditionChecker interface {
	ValidateCondition(kind schema.ConditionKind, raw []byte) error
}

// validateRuleSetSemantic checks stage uniqueness and ladder shape, and
// reports unusable conditions as warnings since the rule engine skips them.
func validateRuleSetSemantic(rs *schema.RuleSet, conds conditionChecker, compiler ExpressionCompiler) *schema.ValidationResult {
	result := schema.NewValidationResult(schema.DefinitionRuleSet, rs.ID)

	if len(rs.Conditions) == 0 {
		result.AddWarning("conditions", schema.ErrCodeValidation,
			"rule set has no conditions and will never trigger")
	}
	for i, raw := range rs.Conditions {
		validateConditionSemantic(raw, fmt.Sprintf("conditions[%d]", i), conds, compiler, result)
	}

	ids := make(map[string]int, len(rs.Stages))
	orders := make(map[int]string, len(rs.Stages))
	for i, st := range rs.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if prev, dup := ids[st.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate stage id %q (also stages[%d])", st.ID, prev))
		} else {
			ids[st.ID] = i
		}
		if other, dup := orders[st.Order]; dup {
			result.AddError(path+".order", schema.ErrCodeValidation,
				fmt.Sprintf("stage order %d already used by %q", st.Order, other))
		} else {
			orders[st.Order] = st.ID
		}
		if st.RuleSetID != "" && st.RuleSetID != rs.ID {
			result.AddError(path+".rule_set_id", schema.ErrCodeValidation,
				fmt.Sprintf("stage belongs to rule set %q", st.RuleSetID))
		}

		for j, raw := range st.StopConditions {
			validateConditionSemantic(raw, fmt.Sprintf("%s.stop_conditions[%d]", path, j), conds, compiler, result)
		}
		for j, raw := range st.EscalationConditions {
			validateConditionSemantic(raw, fmt.Sprintf("%s.escalation_conditions[%d]", path, j), conds, compiler, result)
		}
	}

	ordered := rs.OrderedStages()
	for i, st := range ordered {
		if i < len(ordered)-1 && st.DaysBeforeNext == nil {
			result.AddWarning(fmt.Sprintf("stages[%s].days_before_next", st.ID), schema.ErrCodeValidation,
				"stage has no days_before_next; instances will not advance past it automatically")
		}
	}

	return result
}

// validateConditionSemantic reports a condition the rule engine would skip.
func validateConditionSemantic(raw json.RawMessage, path string, conds conditionChecker, compiler ExpressionCompiler, result *schema.ValidationResult) {
	kind, err := schema.ConditionKindOf(raw)
	if err != nil {
		result.AddWarning(path, schema.ErrCodeMalformedConfig, err.Error())
		return
	}
	if !kind.Known() {
		result.AddWarning(path+".type", schema.ErrCodeMalformedConfig,
			fmt.Sprintf("unknown condition type %q is skipped at evaluation", kind))
		return
	}
	if conds != nil {
		if err := conds.ValidateCondition(kind, raw); err != nil {
			result.AddWarning(path, schema.ErrCodeMalformedConfig, err.Error())
			return
		}
	}
	if kind == schema.ConditionExpression && compiler != nil {
		var body struct {
			Language   string `json:"language"`
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return // structural catches malformed bodies
		}
		if err := compiler.Compile(body.Language, body.Expression); err != nil {
			result.AddWarning(path+".expression", schema.ErrCodeMalformedConfig, err.Error())
		}
	}
}

// validatePlaybookSemantic checks step uniqueness and scheduling shape.
func validatePlaybookSemantic(pb *schema.PlaybookDefinition) *schema.ValidationResult {
	result := schema.NewValidationResult(schema.DefinitionPlaybook, pb.ID)

	ids := make(map[string]int, len(pb.Steps))
	orders := make(map[int]string, len(pb.Steps))
	for i, st := range pb.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if prev, dup := ids[st.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (also steps[%d])", st.ID, prev))
		} else {
			ids[st.ID] = i
		}
		if other, dup := orders[st.Order]; dup {
			result.AddError(path+".order", schema.ErrCodeValidation,
				fmt.Sprintf("step order %d already used by %q", st.Order, other))
		} else {
			orders[st.Order] = st.ID
		}
		if st.FallbackChannel != "" && st.FallbackChannel == st.Channel {
			result.AddWarning(path+".fallback_channel", schema.ErrCodeValidation,
				"fallback channel equals primary channel")
		}
	}

	ordered := pb.OrderedSteps()
	for i := 1; i < len(ordered); i++ {
		if ordered[i].OffsetDays < ordered[i-1].OffsetDays {
			result.AddWarning(fmt.Sprintf("steps[%s].offset_days", ordered[i].ID), schema.ErrCodeValidation,
				fmt.Sprintf("offset %d is earlier than previous step %q (%d); step becomes due immediately",
					ordered[i].OffsetDays, ordered[i-1].ID, ordered[i-1].OffsetDays))
		}
	}
	if len(ordered) > 0 && ordered[0].SkipIfPreviousReplied {
		result.AddWarning(fmt.Sprintf("steps[%s].skip_if_previous_replied", ordered[0].ID), schema.ErrCodeValidation,
			"first step has no previous step; flag is ignored")
	}

	return result
}
