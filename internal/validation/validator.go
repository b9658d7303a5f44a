package validation

import "github.com/rendis/attendflow/pkg/schema"

// Validator checks rule sets, conditions and playbooks before they are stored.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateRuleSet(rs *schema.RuleSet) error
	ValidatePlaybook(pb *schema.PlaybookDefinition) error
	ValidateCondition(kind schema.ConditionKind, raw []byte) error
}

// ExpressionCompiler checks that an Expression condition compiles.
// *expressions.Registry satisfies it.
type ExpressionCompiler interface {
	Compile(language, expression string) error
}
