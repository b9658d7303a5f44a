package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/attendflow/pkg/schema"
)

const schemaBase = "https://attendflow.dev/schemas/"

// ruleSetSchemaJSON is the JSON Schema for RuleSet validation. Conditions are
// only required to be tagged objects here; their bodies are checked per kind.
const ruleSetSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://attendflow.dev/schemas/rule_set.json",
  "type": "object",
  "required": ["id", "tenant_id", "school_id", "stages"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "tenant_id": { "type": "string", "minLength": 1 },
    "school_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "active": { "type": "boolean" },
    "conditions": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/tagged" }
    },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    }
  },
  "$defs": {
    "tagged": {
      "type": "object",
      "required": ["type"],
      "properties": { "type": { "type": "string", "minLength": 1 } }
    },
    "stage": {
      "type": "object",
      "required": ["id", "order", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "rule_set_id": { "type": "string" },
        "order": { "type": "integer", "minimum": 1 },
        "type": { "type": "string", "minLength": 1 },
        "days_before_next": { "type": ["integer", "null"], "minimum": 0 },
        "stop_conditions": { "type": ["array", "null"], "items": { "$ref": "#/$defs/tagged" } },
        "escalation_conditions": { "type": ["array", "null"], "items": { "$ref": "#/$defs/tagged" } }
      },
      "additionalProperties": false
    }
  }
}`

// playbookSchemaJSON is the JSON Schema for PlaybookDefinition validation.
const playbookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://attendflow.dev/schemas/playbook.json",
  "type": "object",
  "required": ["id", "tenant_id", "trigger_stage_type", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "tenant_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "trigger_stage_type": { "type": "string", "minLength": 1 },
    "active": { "type": "boolean" },
    "escalation_after_days": { "type": ["integer", "null"], "minimum": 1 },
    "attendance_improvement_threshold": { "type": ["number", "null"], "minimum": 0, "maximum": 100 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "channel": { "type": "string", "enum": ["SMS", "EMAIL"] },
    "step": {
      "type": "object",
      "required": ["id", "order", "channel", "template_ref"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "order": { "type": "integer", "minimum": 1 },
        "offset_days": { "type": "integer", "minimum": 0 },
        "channel": { "$ref": "#/$defs/channel" },
        "template_ref": { "type": "string", "minLength": 1 },
        "fallback_channel": { "$ref": "#/$defs/channel" },
        "skip_if_previous_replied": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// conditionSchemas holds the body schema of every known condition kind.
// Unknown properties are allowed so that newer packs still load.
var conditionSchemas = map[schema.ConditionKind]string{
	schema.ConditionAttendancePercentThreshold: `{
  "type": "object",
  "required": ["thresholdPercentage"],
  "properties": { "thresholdPercentage": { "type": "number", "minimum": 0, "maximum": 100 } }
}`,
	schema.ConditionAttendancePercentAbove: `{
  "type": "object",
  "required": ["thresholdPercentage"],
  "properties": { "thresholdPercentage": { "type": "number", "minimum": 0, "maximum": 100 } }
}`,
	schema.ConditionConsecutiveAbsenceDays: `{
  "type": "object",
  "required": ["consecutiveDays"],
  "properties": { "consecutiveDays": { "type": "integer", "minimum": 1 } }
}`,
	schema.ConditionTotalAbsenceDays: `{
  "type": "object",
  "required": ["totalDays"],
  "properties": { "totalDays": { "type": "integer", "minimum": 1 } }
}`,
	schema.ConditionExpression: `{
  "type": "object",
  "required": ["language", "expression"],
  "properties": {
    "language": { "type": "string", "enum": ["cel", "expr", "jq", "CEL", "EXPR", "JQ"] },
    "expression": { "type": "string", "minLength": 1 }
  }
}`,
}

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// All schemas are compiled once; it is safe for concurrent use.
type JSONSchemaValidator struct {
	ruleSetSchema  *jsonschema.Schema
	playbookSchema *jsonschema.Schema
	conditions     map[schema.ConditionKind]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with every schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	ruleSet, err := compileSchema(c, schemaBase+"rule_set.json", ruleSetSchemaJSON)
	if err != nil {
		return nil, err
	}
	playbook, err := compileSchema(c, schemaBase+"playbook.json", playbookSchemaJSON)
	if err != nil {
		return nil, err
	}

	v := &JSONSchemaValidator{
		ruleSetSchema:  ruleSet,
		playbookSchema: playbook,
		conditions:     make(map[schema.ConditionKind]*jsonschema.Schema, len(conditionSchemas)),
	}
	for kind, doc := range conditionSchemas {
		url := schemaBase + "conditions/" + strings.ToLower(string(kind)) + ".json"
		compiled, err := compileSchema(c, url, doc)
		if err != nil {
			return nil, err
		}
		v.conditions[kind] = compiled
	}
	return v, nil
}

func compileSchema(c *jsonschema.Compiler, url, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateRuleSet validates a RuleSet against the rule set JSON Schema.
func (v *JSONSchemaValidator) ValidateRuleSet(rs *schema.RuleSet) error {
	if rs == nil {
		return schema.NewError(schema.ErrCodeValidation, "rule set is nil")
	}
	return v.validate(v.ruleSetSchema, rs, "rule set")
}

// ValidatePlaybook validates a PlaybookDefinition against the playbook JSON Schema.
func (v *JSONSchemaValidator) ValidatePlaybook(pb *schema.PlaybookDefinition) error {
	if pb == nil {
		return schema.NewError(schema.ErrCodeValidation, "playbook definition is nil")
	}
	return v.validate(v.playbookSchema, pb, "playbook definition")
}

// ValidateCondition validates a raw condition body against the schema of kind.
// Violations are MALFORMED_CONFIG errors; unknown kinds are rejected the same way.
func (v *JSONSchemaValidator) ValidateCondition(kind schema.ConditionKind, raw []byte) error {
	compiled, ok := v.conditions[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeMalformedConfig, "unknown condition type %q", kind)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeMalformedConfig, "condition is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		verr := toSchemaError(err)
		verr.Code = schema.ErrCodeMalformedConfig
		return verr
	}
	return nil
}

func (v *JSONSchemaValidator) validate(compiled *jsonschema.Schema, value any, what string) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s", what).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a schema.Error
// listing every leaf violation with its instance location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
