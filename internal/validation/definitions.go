package validation

import "github.com/rendis/attendflow/pkg/schema"

// DefinitionValidator orchestrates the two-stage validation pipeline for
// rule sets and playbooks:
// 1. Structural (JSON Schema)
// 2. Semantic (uniqueness, ladder shape, condition bodies)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	compiler   ExpressionCompiler
}

// NewDefinitionValidator creates a DefinitionValidator.
// compiler may be nil to skip expression compilation checks.
func NewDefinitionValidator(compiler ExpressionCompiler) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, compiler: compiler}, nil
}

// CheckRuleSet runs the full pipeline for a rule set.
// Structural errors short-circuit the semantic stage.
func (dv *DefinitionValidator) CheckRuleSet(rs *schema.RuleSet) *schema.ValidationResult {
	if rs == nil {
		r := schema.NewValidationResult(schema.DefinitionRuleSet, "")
		r.AddError("/", schema.ErrCodeValidation, "rule set is nil")
		return r
	}
	result := schema.NewValidationResult(schema.DefinitionRuleSet, rs.ID)
	result.Merge(structural(dv.jsonSchema.ValidateRuleSet(rs)))
	if !result.Valid() {
		return result
	}
	result.Merge(validateRuleSetSemantic(rs, dv.jsonSchema, dv.compiler))
	return result
}

// CheckPlaybook runs the full pipeline for a playbook definition.
func (dv *DefinitionValidator) CheckPlaybook(pb *schema.PlaybookDefinition) *schema.ValidationResult {
	if pb == nil {
		r := schema.NewValidationResult(schema.DefinitionPlaybook, "")
		r.AddError("/", schema.ErrCodeValidation, "playbook definition is nil")
		return r
	}
	result := schema.NewValidationResult(schema.DefinitionPlaybook, pb.ID)
	result.Merge(structural(dv.jsonSchema.ValidatePlaybook(pb)))
	if !result.Valid() {
		return result
	}
	result.Merge(validatePlaybookSemantic(pb))
	return result
}

// ValidateRuleSet satisfies the Validator interface.
func (dv *DefinitionValidator) ValidateRuleSet(rs *schema.RuleSet) error {
	return dv.CheckRuleSet(rs).ToError()
}

// ValidatePlaybook satisfies the Validator interface.
func (dv *DefinitionValidator) ValidatePlaybook(pb *schema.PlaybookDefinition) error {
	return dv.CheckPlaybook(pb).ToError()
}

// ValidateCondition delegates to the underlying JSONSchemaValidator.
func (dv *DefinitionValidator) ValidateCondition(kind schema.ConditionKind, raw []byte) error {
	return dv.jsonSchema.ValidateCondition(kind, raw)
}

// structural converts a JSONSchemaValidator error into a ValidationResult.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	serr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if serr.Details != nil {
		if violations, ok := serr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, serr.Message)
	return result
}

var _ Validator = (*DefinitionValidator)(nil)
